package model

// Frame types exchanged on the notification websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameRefresh     = "refresh"
	FrameSignal      = "signal"
	FrameError       = "error"
)

// Events published after a successful mutation.
const (
	EventNewMessage = "new message"
	EventLikeUpdate = "like update"
)

type (
	Frame struct {
		Type  string `json:"type"`
		Topic string `json:"topic,omitempty"`
		Peer  string `json:"peer,omitempty"`
		Event string `json:"event,omitempty"`
	}
)
