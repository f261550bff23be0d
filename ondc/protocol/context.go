package protocol

import (
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the layout used for every timestamp we emit.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Role identifies which side of the protocol a participant plays.
type Role string

const (
	RoleBPP Role = "BPP"
	RoleBAP Role = "BAP"
)

// Identity is the participant's own subscriber id and callback base address.
type Identity struct {
	Role Role
	ID   string
	URI  string
}

// Timestamp formats t the way the protocol expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewCallbackContext derives the context for an outbound message from the
// context of the message being answered: same transaction, fresh message id
// and timestamp, and the sender's identity substituted in.
func NewCallbackContext(original *Context, action Action, self Identity, now time.Time) *Context {
	out := Context{}
	if original != nil {
		out = *original
	}
	out.Action = action
	out.MessageID = uuid.New().String()
	out.Timestamp = Timestamp(now)
	switch self.Role {
	case RoleBPP:
		out.BppID, out.BppURI = self.ID, self.URI
	case RoleBAP:
		out.BapID, out.BapURI = self.ID, self.URI
	}
	return &out
}
