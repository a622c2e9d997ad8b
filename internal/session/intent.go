package session

// Intent is one transport event turned into an explicit message. The
// transport layer produces intents; Manager.Handle consumes them. The state
// machine is therefore testable without a live connection.
type Intent interface {
	sessionIntent()
}

// Connected fires when a transport connection opens. UserID is empty when
// the handshake carried no resolvable identity.
type Connected struct {
	UserID   string
	SocketID string
}

// Disconnected fires on transport close or heartbeat timeout.
type Disconnected struct {
	SocketID string
}

// TypingSent is an ephemeral typing indicator aimed at one user.
type TypingSent struct {
	SocketID   string
	ReceiverID string
	IsTyping   bool
}

// GroupTypingSent is an ephemeral typing indicator aimed at a group room.
type GroupTypingSent struct {
	SocketID string
	GroupID  string
	IsTyping bool
}

// JoinRequested asks to subscribe the connection to a group room, e.g.
// after being added to a group mid-session.
type JoinRequested struct {
	SocketID string
	GroupID  string
}

// LeaveRequested drops the connection's subscription to a group room.
type LeaveRequested struct {
	SocketID string
	GroupID  string
}

func (Connected) sessionIntent()       {}
func (Disconnected) sessionIntent()    {}
func (TypingSent) sessionIntent()      {}
func (GroupTypingSent) sessionIntent() {}
func (JoinRequested) sessionIntent()   {}
func (LeaveRequested) sessionIntent()  {}
