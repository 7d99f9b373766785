package realtime

// FrameType names a message of the websocket gateway protocol.
//
// Clients send subscribe, subscribe_broadcast, unsubscribe and send frames,
// each answered by an ack or error frame carrying the same Ref. Events are
// pushed as event frames whose Sub is the Ref of the subscribe frame.
type FrameType string

const (
	FrameSubscribe          FrameType = "subscribe"
	FrameSubscribeBroadcast FrameType = "subscribe_broadcast"
	FrameUnsubscribe        FrameType = "unsubscribe"
	FrameSend               FrameType = "send"

	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
	FrameEvent FrameType = "event"
	// FrameDropped tells the client a subscription ended on the server side.
	FrameDropped FrameType = "dropped"
)

type Frame struct {
	Type    FrameType    `json:"type"`
	Ref     string       `json:"ref,omitempty"`
	Sub     string       `json:"sub,omitempty"`
	Topic   string       `json:"topic,omitempty"`
	Filter  *Filter      `json:"filter,omitempty"`
	Event   string       `json:"event,omitempty"`
	Payload Record       `json:"payload,omitempty"`
	Change  *ChangeEvent `json:"change,omitempty"`
	Error   string       `json:"error,omitempty"`
}
