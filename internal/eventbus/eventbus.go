// Package eventbus notifies external listeners (a UI layer, an
// operator CLI) of state changes with a single typed Go channel: a
// buffered channel of a tagged struct that callers range over, never
// blocking the engine that publishes to it.
package eventbus

// Kind tags what kind of event occurred.
type Kind int

const (
	KindPingReceived Kind = iota + 1
	KindPongReceived
	KindMessageStored
	KindMessageDelivered
	KindMessageRefused
	KindMessageFailed
	KindContactTap
	KindFriendRequest
	KindPaymentRequest
	KindProfileUpdate
	KindSystemStatus
	KindDownloadFailed
)

// Converts Kind to a readable string, for logging.
func (k Kind) String() string {
	switch k {
	case KindPingReceived:
		return "PingReceived"
	case KindPongReceived:
		return "PongReceived"
	case KindMessageStored:
		return "MessageStored"
	case KindMessageDelivered:
		return "MessageDelivered"
	case KindMessageRefused:
		return "MessageRefused"
	case KindMessageFailed:
		return "MessageFailed"
	case KindContactTap:
		return "ContactTap"
	case KindFriendRequest:
		return "FriendRequest"
	case KindPaymentRequest:
		return "PaymentRequest"
	case KindProfileUpdate:
		return "ProfileUpdate"
	case KindSystemStatus:
		return "SystemStatus"
	case KindDownloadFailed:
		return "DownloadFailed"
	}
	return ""
}

// Event is one notification carried on the bus. ContactID and PingID
// are set when relevant to Kind; Detail is a short human string,
// primarily used for KindSystemStatus so a UI layer has something to
// display without polling component internals.
type Event struct {
	Kind      Kind
	ContactID int64
	PingID    string
	MessageID string
	Detail    string
}

// bufferSize is generous enough that a slow consumer never stalls an
// engine publishing to it.
const bufferSize = 4096

// Bus is a single-producer-many-consumer fan-out of Events. Engines
// publish; the supervisor and any UI layer subscribe.
type Bus struct {
	subscribers []chan Event
}

// New returns an empty Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a new channel that receives every future Publish.
// Subscribers must keep draining it; Publish never blocks on a full
// subscriber; a full subscriber simply misses events rather than
// stalling the engine.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans an event out to every current subscriber, dropping it
// for any subscriber whose buffer is full rather than blocking.
func (b *Bus) Publish(e Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}
