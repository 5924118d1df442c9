// Package protocol defines the newline-delimited JSON frames exchanged
// between session clients and the hub.
package protocol

// Kind identifies the structural message kinds the hub understands.
type Kind byte

const (
	KindApplication Kind = iota // any type the hub does not interpret
	KindRegister                // client -> hub, first frame on a connection
	KindRegistered              // hub -> client, registration ack with roster
	KindJoin                    // hub -> others, a session registered
	KindLeave                   // hub -> others, a registered session went away
	KindSent                    // hub -> sender, delivery confirmation
	KindError                   // hub -> one client, protocol violation
)

// KindMap maps each control kind to its wire name.
var KindMap = map[Kind]string{
	KindApplication: "APPLICATION",
	KindRegister:    "REGISTER",
	KindRegistered:  "REGISTERED",
	KindJoin:        "JOIN",
	KindLeave:       "LEAVE",
	KindSent:        "SENT",
	KindError:       "ERROR",
}

func (k Kind) String() string {
	return KindMap[k]
}

// DefaultType is assumed for application frames that carry no type.
const DefaultType = "MSG"

// BroadcastTarget is the "to" value of a SENT confirmation for a broadcast.
const BroadcastTarget = "broadcast"

// Message is implemented by every frame variant.
type Message interface {
	Kind() Kind
}
