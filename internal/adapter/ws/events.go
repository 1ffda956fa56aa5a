package ws

// Control actions a client may send on a task stream connection.
const (
	ActionCancel = "cancel"
)

// ControlMessage is the envelope for client-to-server messages.
type ControlMessage struct {
	Action string `json:"action"`
}
