// Package sendengine implements the send side of the protocol:
// creating outgoing messages, the immediate-send instant path, and the
// per-outbox-row retry worker. One independent goroutine is spawned
// per outbox row, coordinated with golang.org/x/sync/errgroup so the
// whole worker set can be drained on shutdown.
package sendengine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/outbox"
	"github.com/shieldmsg/pingpong/internal/transport"
	"github.com/shieldmsg/pingpong/pkg/wire"
)

// instantReadTimeout bounds the short read attempted on a dial
// connection before falling back to the deferred (listener) path.
const instantReadTimeout = 3 * time.Second

// pongBackoffSchedule is the exponential backoff for the deferred Pong
// path: 2 s, 4 s, 8 s, capped at 10 s, up to 5 attempts.
func pongBackoffSchedule() []time.Duration {
	return []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
}

// Engine is the send engine.
type Engine struct {
	codec     *envelope.Codec
	transport *transport.Adapter
	outbox    *outbox.Outbox
	contacts  *contacts.Store
	bus       *eventbus.Bus
	log       *logrus.Entry
}

// New constructs a send engine from its collaborators.
func New(codec *envelope.Codec, tr *transport.Adapter, ob *outbox.Outbox, ct *contacts.Store, bus *eventbus.Bus, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{codec: codec, transport: tr, outbox: ob, contacts: ct, bus: bus, log: log.WithField("component", "sendengine")}
}

// Send builds and queues one outgoing message: it builds the Ping and
// Message frames, computes the ping-id and ping-timestamp, inserts the
// outbox row in state PING_SENT, then fires an immediate send attempt.
func (e *Engine) Send(contactID int64, msgType wire.Type, messageID string, innerPayload []byte) (int64, error) {
	contact, err := e.contacts.ByID(contactID)
	if err != nil {
		return 0, errors.Wrap(err, "sendengine: lookup contact")
	}

	pingID, err := envelope.NewPingID()
	if err != nil {
		return 0, errors.Wrap(err, "sendengine: generate ping-id")
	}
	now := time.Now()

	pingFrame, err := e.codec.BuildPing(contact.X25519Pub, pingID, now)
	if err != nil {
		return 0, errors.Wrap(err, "sendengine: build ping")
	}
	msgFrame, err := e.codec.BuildMessage(contact.X25519Pub, msgType, messageID, innerPayload)
	if err != nil {
		return 0, errors.Wrap(err, "sendengine: build message")
	}

	localID, err := e.outbox.Create(outbox.NewMessage{
		ContactID:        contactID,
		MessageID:        messageID,
		MessageType:      int(msgType),
		EncryptedPayload: msgFrame,
		PingID:           pingID.Hex(),
		PingTimestampMs:  now.UnixMilli(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "sendengine: create outbox row")
	}
	if err := e.outbox.CachePingWireBytes(localID, pingFrame); err != nil {
		return 0, errors.Wrap(err, "sendengine: cache ping wire bytes")
	}

	go e.attemptImmediateSend(localID, contact.MessagingOnion)
	return localID, nil
}

// attemptImmediateSend runs the instant path: dial, send
// PING, attempt a short read for PONG on the same connection, and if
// the recipient accepted, send the MESSAGE on that same connection,
// "exactly one dial; one connection; two frames" in the happy case.
func (e *Engine) attemptImmediateSend(localID int64, onion string) {
	row, err := e.outbox.Get(localID)
	if err != nil {
		e.log.WithError(err).Error("immediate send: reload row")
		return
	}

	connID, err := e.transport.Dial(onion, e.pingPort())
	if err != nil {
		e.log.WithError(err).WithField("onion", onion).Debug("immediate send: dial failed, deferring to retry worker")
		return
	}
	defer e.transport.Close(connID)

	pingFrame, err := e.outbox.CachedPingWireBytes(localID)
	if err != nil || len(pingFrame) == 0 {
		return
	}
	if err := e.transport.Send(connID, pingFrame); err != nil {
		return
	}

	reply, err := e.transport.Recv(connID, 64*1024, instantReadTimeout)
	if err != nil || len(reply) == 0 {
		// No reply on the held connection: fall back to the deferred
		// path, giving OnPongObserved a short backoff window to catch a
		// Pong arriving via the dedicated listener before handing off
		// to the steady-state 5s retry worker.
		e.awaitDeferredPong(localID)
		return
	}
	pid, accepted, _, err := e.codec.OpenPong(reply)
	if err != nil || pid.Hex() != row.PingID {
		e.awaitDeferredPong(localID)
		return
	}
	if err := e.outbox.MarkPingDelivered(localID); err != nil {
		e.log.WithError(err).Warn("immediate send: mark ping delivered")
	}
	if !accepted {
		if err := e.outbox.MarkRefused(localID); err != nil {
			e.log.WithError(err).Warn("immediate send: mark refused")
		}
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageRefused, ContactID: row.ContactID, MessageID: row.MessageID})
		return
	}

	e.sendMessagePayload(connID, localID, row)
}

// sendMessagePayload writes the cached MESSAGE frame on connID and, if
// an ACK arrives, marks the row delivered.
func (e *Engine) sendMessagePayload(connID transport.ConnID, localID int64, row *outbox.Row) {
	if err := e.transport.Send(connID, row.EncryptedPayload); err != nil {
		return
	}
	reply, err := e.transport.Recv(connID, 64*1024, instantReadTimeout)
	if err != nil || len(reply) == 0 {
		return
	}
	ack, err := e.codec.OpenAck(reply)
	if err != nil || ack.IsPingAck || ack.MessageID != row.MessageID {
		return
	}
	if err := e.outbox.MarkDelivered(localID); err != nil {
		e.log.WithError(err).Warn("sendMessagePayload: mark delivered")
		return
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageDelivered, ContactID: row.ContactID, MessageID: row.MessageID})
}

func (e *Engine) pingPort() int { return e.transport.PingMessagePort() }

// awaitDeferredPong polls the outbox row through the exponential
// backoff schedule for the Pong-via-listener path: 2 s, 4 s, 8 s,
// capped at 10 s, up to 5 attempts, returning early the moment
// OnPongObserved (running concurrently off the Pong listener) marks
// the row ping-delivered. If the schedule is exhausted, the
// steady-state 5-second retry worker takes over.
func (e *Engine) awaitDeferredPong(localID int64) {
	for _, wait := range pongBackoffSchedule() {
		time.Sleep(wait)
		row, err := e.outbox.Get(localID)
		if err != nil || row.Status != outbox.StatusPingSent {
			return
		}
		if row.PingDelivered {
			contact, err := e.contacts.ByID(row.ContactID)
			if err != nil {
				return
			}
			e.resendMessage(row, contact.MessagingOnion)
			return
		}
	}
}

// RunRetryWorkers spawns one goroutine per currently pending outbox
// row and keeps spawning one for each new row published on
// newRowIDs, until ctx is cancelled. Each worker runs until its row
// reaches a terminal status. Retry workers are cancellable by marking
// the outbox row DELIVERED; they notice on their next tick.
func (e *Engine) RunRetryWorkers(ctx context.Context, newRowIDs <-chan int64) error {
	g, ctx := errgroup.WithContext(ctx)

	pending, err := e.outbox.PendingRetries()
	if err != nil {
		return errors.Wrap(err, "sendengine: load pending rows")
	}
	for _, row := range pending {
		localID := row.LocalID
		g.Go(func() error { e.retryLoop(ctx, localID); return nil })
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case id, ok := <-newRowIDs:
				if !ok {
					return nil
				}
				g.Go(func() error { e.retryLoop(ctx, id); return nil })
			}
		}
	})

	return g.Wait()
}

// retryLoop is the per-outbox-row retry worker: a 5-second
// tick, re-Pinging with the cached wire bytes until ping-delivered,
// then re-sending the cached message payload until message-delivered,
// stopping once the row goes terminal or the retry budget is spent.
func (e *Engine) retryLoop(ctx context.Context, localID int64) {
	ticker := time.NewTicker(outbox.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.retryTick(localID) {
				return
			}
		}
	}
}

// retryTick runs one tick of the retry worker, returning true when the
// row has reached a terminal state and the worker should stop.
func (e *Engine) retryTick(localID int64) bool {
	row, err := e.outbox.Get(localID)
	if err != nil {
		e.log.WithError(err).Warn("retry tick: reload row")
		return true
	}
	if row.Status != outbox.StatusPingSent {
		return true
	}

	contact, err := e.contacts.ByID(row.ContactID)
	if err != nil {
		e.log.WithError(err).Warn("retry tick: lookup contact")
		return false
	}

	if !row.PingDelivered {
		e.reping(row, contact.MessagingOnion)
		reaped, err := e.outbox.RecordRetryAttempt(localID)
		if err != nil {
			e.log.WithError(err).Warn("retry tick: record retry attempt")
		}
		if reaped {
			e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageFailed, ContactID: row.ContactID, MessageID: row.MessageID})
			return true
		}
		return false
	}

	// Ping already delivered: resend the message until acknowledged.
	e.resendMessage(row, contact.MessagingOnion)
	return false
}

func (e *Engine) reping(row *outbox.Row, onion string) {
	wireBytes, err := e.outbox.CachedPingWireBytes(row.LocalID)
	if err != nil || len(wireBytes) == 0 {
		return
	}
	connID, err := e.transport.Dial(onion, e.pingPort())
	if err != nil {
		return
	}
	defer e.transport.Close(connID)
	_ = e.transport.Send(connID, wireBytes)
}

func (e *Engine) resendMessage(row *outbox.Row, onion string) {
	connID, err := e.transport.Dial(onion, e.pingPort())
	if err != nil {
		return
	}
	defer e.transport.Close(connID)
	e.sendMessagePayload(connID, row.LocalID, row)
}

// OnPongObserved is called by the receive engine's Pong listener
// handler when a Pong for one of our outbox rows arrives via the
// deferred path: it marks the row ping-delivered and wakes the send
// engine to send the message payload.
func (e *Engine) OnPongObserved(pingID string, accepted bool) {
	row, err := e.outbox.GetByPingID(pingID)
	if err != nil {
		return
	}
	if !accepted {
		_ = e.outbox.MarkRefused(row.LocalID)
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageRefused, ContactID: row.ContactID, MessageID: row.MessageID})
		return
	}
	if err := e.outbox.MarkPingDelivered(row.LocalID); err != nil {
		return
	}
	contact, err := e.contacts.ByID(row.ContactID)
	if err != nil {
		return
	}
	go e.resendMessage(row, contact.MessagingOnion)
}

// OnAckObserved is called by the receive engine's ACK listener handler
// with the sender already resolved to a contact id. A PING_ACK marks
// its outbox row ping-delivered; a MESSAGE_ACK marks it
// message-delivered. ACKs are processed best-effort: any lookup miss
// is silently ignored, never surfaced to the caller.
func (e *Engine) OnAckObserved(contactID int64, ack *envelope.AckResult) {
	if ack.IsPingAck {
		row, err := e.outbox.GetByPingID(ack.PingID.Hex())
		if err != nil {
			return
		}
		_ = e.outbox.MarkPingDelivered(row.LocalID)
		return
	}
	row, err := e.outbox.GetByMessageID(contactID, ack.MessageID)
	if err != nil {
		return
	}
	if err := e.outbox.MarkDelivered(row.LocalID); err != nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageDelivered, ContactID: contactID, MessageID: ack.MessageID})
}

// OnTapObserved implements the Tap listener's outbox side.
func (e *Engine) OnTapObserved(contactID int64, onion string) {
	pending, err := e.outbox.PendingRetries()
	if err != nil {
		return
	}
	for _, row := range pending {
		if row.ContactID == contactID && !row.PingDelivered {
			go e.reping(row, onion)
		}
	}
}
