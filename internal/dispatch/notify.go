package dispatch

const (
	EventStreamChunk = "STREAM_CHUNK"
	EventStreamEnd   = "STREAM_END"
)

type StreamChunk struct {
	Delta    string `json:"delta"`
	Finished bool   `json:"finished"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Notification is pushed to listening UI surfaces while a streamed request
// progresses.
type Notification struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	Chunk     *StreamChunk `json:"chunk,omitempty"`
}

// Notifier receives notifications in per-request order. Notify is called
// with the request's flight lock held and must not block or call back into
// the Manager.
type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
