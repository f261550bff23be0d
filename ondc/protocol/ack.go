package protocol

// Ack statuses
const (
	StatusAck  = "ACK"
	StatusNack = "NACK"
)

// AckResponse is the synchronous reply to every inbound message.
type AckResponse struct {
	Context *Context   `json:"context,omitempty"`
	Message AckMessage `json:"message"`
	Error   *Error     `json:"error,omitempty"`
}

type AckMessage struct {
	Ack AckStatus `json:"ack"`
}

type AckStatus struct {
	Status string `json:"status"`
}

// NewAck builds an ACK reply.
func NewAck(ctx *Context) AckResponse {
	return AckResponse{Context: ctx, Message: AckMessage{Ack: AckStatus{Status: StatusAck}}}
}

// NewNack builds a NACK reply. A nil error is reported as a CORE-ERROR.
func NewNack(ctx *Context, err *Error) AckResponse {
	if err == nil {
		err = &Error{Type: CoreError, Code: CodeUnexpected, Message: "failed to process the request"}
	}
	return AckResponse{Context: ctx, Message: AckMessage{Ack: AckStatus{Status: StatusNack}}, Error: err}
}

// IsAck reports whether the reply acknowledges the message.
func (r AckResponse) IsAck() bool {
	return r.Message.Ack.Status == StatusAck
}

// IsNack reports whether the reply explicitly rejects the message.
func (r AckResponse) IsNack() bool {
	return r.Message.Ack.Status == StatusNack
}

// ReplyContext is the minimal context echoed back in synchronous replies.
func ReplyContext(in *Context, self Identity) *Context {
	out := &Context{}
	if in != nil {
		out.TransactionID = in.TransactionID
		out.MessageID = in.MessageID
	}
	switch self.Role {
	case RoleBPP:
		out.BppID, out.BppURI = self.ID, self.URI
	case RoleBAP:
		out.BapID, out.BapURI = self.ID, self.URI
	}
	return out
}
