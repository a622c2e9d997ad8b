package rooms

import (
	"context"
	"log/slog"
)

// Resolver answers the two questions the connection lifecycle asks: which
// rooms a user joins on connect, and whether an ad-hoc join request is
// allowed right now.
type Resolver struct {
	membership Membership
	log        *slog.Logger
}

func NewResolver(membership Membership, log *slog.Logger) *Resolver {
	return &Resolver{membership: membership, log: log}
}

// DurableRooms returns the group rooms to subscribe a fresh connection to.
// A collaborator failure yields no rooms; the connection lives on with
// direct delivery only until its next reconnect.
func (r *Resolver) DurableRooms(ctx context.Context, userID string) []string {
	groups, err := r.membership.ListActiveGroupIDs(ctx, userID)
	if err != nil {
		r.log.WarnContext(ctx, "Membership lookup failed, no durable rooms this session", "user", userID, "error", err)
		return nil
	}
	return groups
}

// Authorize re-validates membership for an explicit join request. Requests
// from non-members are rejected, and so are requests the collaborator cannot
// vouch for: an unverifiable join must not open a room to eavesdropping.
func (r *Resolver) Authorize(ctx context.Context, userID, groupID string) bool {
	ok, err := r.membership.IsActiveMember(ctx, userID, groupID)
	if err != nil {
		r.log.WarnContext(ctx, "Membership check failed, join rejected", "user", userID, "group", groupID, "error", err)
		return false
	}
	return ok
}
