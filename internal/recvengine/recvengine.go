// Package recvengine implements the receive side of the protocol: four
// cooperative pollers draining the transport adapter's listeners and
// routing accepted frames into the ping-inbox, the outbox (via the send
// engine's observer callbacks), or the message store. Each poller is a
// tight loop reading off its listener and dispatching by message kind,
// sleeping briefly between empty polls.
package recvengine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/dedup"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/inbox"
	"github.com/shieldmsg/pingpong/internal/messages"
	"github.com/shieldmsg/pingpong/internal/pingsession"
	"github.com/shieldmsg/pingpong/internal/sendengine"
	"github.com/shieldmsg/pingpong/internal/store"
	"github.com/shieldmsg/pingpong/internal/transport"
	"github.com/shieldmsg/pingpong/pkg/wire"
)

// pollSleep is the poller idle sleep between empty polls.
const pollSleep = 1500 * time.Millisecond

// Engine is the receive engine.
type Engine struct {
	store     *store.Store
	codec     *envelope.Codec
	transport *transport.Adapter
	inbox     *inbox.Inbox
	dedup     *dedup.Table
	sessions  *pingsession.Store
	contacts  *contacts.Store
	messages  *messages.Store
	send      *sendengine.Engine
	bus       *eventbus.Bus
	log       *logrus.Entry
}

// New constructs a receive engine from its collaborators.
func New(
	s *store.Store,
	codec *envelope.Codec,
	tr *transport.Adapter,
	ib *inbox.Inbox,
	dd *dedup.Table,
	ps *pingsession.Store,
	ct *contacts.Store,
	ms *messages.Store,
	se *sendengine.Engine,
	bus *eventbus.Bus,
	log *logrus.Logger,
) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		store: s, codec: codec, transport: tr, inbox: ib, dedup: dd,
		sessions: ps, contacts: ct, messages: ms, send: se, bus: bus,
		log: log.WithField("component", "recvengine"),
	}
}

// Run starts the four listener poll loops and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.pollLoop(ctx, transport.ListenerPingMessage, e.handlePingMessage)
	go e.pollLoop(ctx, transport.ListenerTap, e.handleTap)
	go e.pollLoop(ctx, transport.ListenerPong, e.handlePong)
	go e.pollLoop(ctx, transport.ListenerACK, e.handleAck)
	go e.autoDownloadLoop(ctx)
	<-ctx.Done()
}

func (e *Engine) pollLoop(ctx context.Context, l transport.Listener, handle func(transport.Inbound)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		in, ok := e.transport.Poll(l)
		if !ok {
			time.Sleep(pollSleep)
			continue
		}
		handle(in)
	}
}

// handlePingMessage implements the P1 handler: try open_ping, then
// open_pong as a fallback, then treat the frame as a message blob.
func (e *Engine) handlePingMessage(in transport.Inbound) {
	defer e.transport.Close(in.Conn)

	if res, err := e.codec.OpenPing(in.Body); err == nil {
		e.handlePing(in, res)
		return
	}
	if pid, accepted, senderX, err := e.codec.OpenPong(in.Body); err == nil {
		e.send.OnPongObserved(pid.Hex(), accepted)
		e.sessions.Put(pid, &pingsession.Session{SenderX25519: senderX})
		return
	}
	e.handleMessage(in)
}

func (e *Engine) handlePing(in transport.Inbound, res *envelope.OpenPingResult) {
	alreadySeen, err := e.dedup.TryInsert(dedup.NamespacePing, res.PingID.Hex())
	if err != nil {
		e.log.WithError(err).Error("ping handler: dedup insert")
		return
	}
	if alreadySeen {
		return
	}

	contact, err := e.contacts.ByX25519(res.SenderX25519)
	if err != nil {
		e.log.WithField("sender", envelope.PeerKey(res.SenderX25519)).Debug("ping handler: unknown sender, dropping")
		return
	}

	cached := envelope.EncodeBase64(in.Body)
	if _, err := e.inbox.Create(res.PingID.Hex(), contact.ID, cached); err != nil {
		e.log.WithError(err).Error("ping handler: create inbox row")
		return
	}
	e.sessions.Put(res.PingID, &pingsession.Session{
		SenderX25519:  res.SenderX25519,
		SenderEd25519: res.SenderEd25519,
		Timestamp:     res.PingTimestamp,
		WireBytes:     in.Body,
	})

	e.sendPingAck(contact, res.PingID)
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindPingReceived, ContactID: contact.ID, PingID: res.PingID.Hex()})
}

// autoDownloadLoop drives the receiver-initiated download sequence
// automatically: every stored Ping gets downloaded without operator
// action. It listens on its own bus subscription rather than calling
// Download straight out of handlePing, so a caller exercising handlePing
// directly (as the unit tests do) never triggers a background download
// as a side effect.
func (e *Engine) autoDownloadLoop(ctx context.Context) {
	ch := e.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Kind != eventbus.KindPingReceived {
				continue
			}
			go e.autoDownload(pingIDFromHex(ev.PingID))
		}
	}
}

// autoDownload runs Download in the background. A failure is charged to
// the row's auto-retry budget in FailAutoDownload and logged; it is
// never surfaced as an error to whatever triggered it.
func (e *Engine) autoDownload(pingID envelope.PingID) {
	if err := e.Download(pingID); err != nil {
		e.log.WithError(err).WithField("ping_id", pingID.Hex()).Warn("auto-download failed")
	}
}

// downloadPreflightTimeout bounds the SOCKS reachability check Download
// runs before committing to DOWNLOAD_QUEUED.
const downloadPreflightTimeout = 5 * time.Second

// Download runs the receiver-initiated download sequence for a Ping
// already recorded in the ping-inbox: pre-flight reachability check,
// 7-day expiry check, PING_SEEN -> DOWNLOAD_QUEUED -> PONG_SENT, then the
// Pong itself. It never blocks waiting for the Message payload: the
// ordinary P1 poll loop resolves it against the PONG_SENT row once it
// arrives. Safe to call more than once for the same ping-id; it is a
// no-op unless the row is still in PING_SEEN.
func (e *Engine) Download(pingID envelope.PingID) error {
	hexID := pingID.Hex()
	row, err := e.inbox.Get(hexID)
	if err != nil {
		return err
	}
	if row.State != inbox.StatePingSeen {
		return nil
	}

	if time.Since(row.FirstSeenAt) > wire.PingExpiryDays*24*time.Hour {
		return e.inbox.MarkExpired(hexID)
	}

	// Commit to the download before running the checks that can fail it:
	// FailAutoDownload only accepts a transition out of DOWNLOAD_QUEUED or
	// PONG_SENT, never straight from PING_SEEN.
	if err := e.inbox.MarkDownloadQueued(hexID); err != nil {
		return err
	}

	if err := e.transport.ProbeSocks(downloadPreflightTimeout); err != nil {
		return e.failDownload(hexID, row.ContactID, pingID, "overlay unreachable")
	}

	sess, ok := e.sessions.Get(pingID)
	if !ok {
		return e.failDownload(hexID, row.ContactID, pingID, "ping session expired")
	}

	contact, err := e.contacts.ByID(row.ContactID)
	if err != nil {
		return e.failDownload(hexID, row.ContactID, pingID, "unknown contact")
	}

	pong, err := e.codec.BuildPong(sess.SenderX25519, pingID, true)
	if err != nil {
		return e.failDownload(hexID, row.ContactID, pingID, "build pong")
	}

	connID, err := e.transport.Dial(contact.MessagingOnion, e.transport.PongPort())
	if err != nil {
		return e.failDownload(hexID, row.ContactID, pingID, "dial pong port")
	}
	sendErr := e.transport.Send(connID, pong)
	e.transport.Close(connID)
	if sendErr != nil {
		return e.failDownload(hexID, row.ContactID, pingID, "send pong")
	}

	if err := e.inbox.MarkPongSent(hexID); err != nil {
		return err
	}
	go e.watchPongSent(hexID, row.ContactID, pingID)
	return nil
}

// failDownload records a failed auto-download attempt against the
// ping-inbox row and publishes the on_download_failed callback event.
func (e *Engine) failDownload(hexID string, contactID int64, pingID envelope.PingID, reason string) error {
	if err := e.inbox.FailAutoDownload(hexID); err != nil {
		return err
	}
	e.bus.Publish(eventbus.Event{
		Kind: eventbus.KindDownloadFailed, ContactID: contactID, PingID: pingID.Hex(), Detail: reason,
	})
	return nil
}

// watchPongSent is the sole timeout authority for a row sitting in
// PONG_SENT: if the Message blob hasn't arrived (and transitioned the
// row to MSG_STORED) within DownloadTimeout, the watchdog forces it back
// to FAILED_TEMP or MANUAL_REQUIRED.
func (e *Engine) watchPongSent(hexID string, contactID int64, pingID envelope.PingID) {
	time.Sleep(inbox.DownloadTimeout)
	if err := e.inbox.ExpirePongSentWatchdog(hexID); err != nil {
		e.log.WithError(err).WithField("ping_id", hexID).Error("download watchdog: expire")
		return
	}
	row, err := e.inbox.Get(hexID)
	if err != nil || row.State == inbox.StateMsgStored {
		return
	}
	e.bus.Publish(eventbus.Event{
		Kind: eventbus.KindDownloadFailed, ContactID: contactID, PingID: pingID.Hex(), Detail: "download timed out",
	})
}

// sendPingAck acknowledges a Ping via a fresh dial to the sender's ACK
// listener; it does not require the original connection to still be open.
func (e *Engine) sendPingAck(contact *identity.Contact, pingID envelope.PingID) {
	ack, err := e.codec.BuildPingAck(contact.X25519Pub, pingID)
	if err != nil {
		return
	}
	connID, err := e.transport.Dial(contact.MessagingOnion, e.transport.PingMessagePort())
	if err != nil {
		return
	}
	defer e.transport.Close(connID)
	_ = e.transport.Send(connID, ack)
}

// handleMessage decrypts a frame that was neither a Ping nor a Pong and
// runs the atomic-store flow.
func (e *Engine) handleMessage(in transport.Inbound) {
	res, err := e.codec.OpenMessage(in.Body)
	if err != nil {
		return
	}
	contact, err := e.contacts.ByX25519(res.SenderX25519)
	if err != nil {
		e.log.WithField("sender", envelope.PeerKey(res.SenderX25519)).Debug("message handler: unknown sender, dropping")
		return
	}

	pingID := e.resolvePendingPingID(contact.ID)
	if pingID == "" {
		e.log.WithField("contact", contact.ID).Warn("message handler: no pending ping-inbox row, dropping")
		return
	}

	// The id stored locally is derived from (content, sender-address), not
	// taken from the wire: two copies of the same message from the same
	// sender always land under the same id. The ack still echoes back
	// res.MessageID, the sender-chosen id the sender's own outbox is
	// keyed by.
	storedID := messages.DeriveIncomingMessageID(res.Payload, contact.MessagingOnion)
	if err := e.storeMessage(pingID, contact.ID, storedID, res); err != nil {
		if err == messages.ErrDuplicate {
			// A duplicate is still acknowledged: the peer's retry already
			// landed, it just never saw our ACK.
			e.sendMessageAck(contact, res.MessageID)
			return
		}
		e.log.WithError(err).Error("message handler: atomic store")
		return
	}

	e.sessions.Delete(pingIDFromHex(pingID))
	e.sendMessageAck(contact, res.MessageID)
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindMessageStored, ContactID: contact.ID, MessageID: storedID, PingID: pingID})
}

// resolvePendingPingID finds the ping-inbox row this message blob
// completes: the most recent PONG_SENT row for this contact, since the
// download phase posts exactly one Pong before awaiting the
// corresponding blob.
func (e *Engine) resolvePendingPingID(contactID int64) string {
	row := e.store.DB().QueryRow(
		`SELECT ping_id FROM ping_inbox WHERE contact_id = ? AND state = ? ORDER BY last_change_at DESC LIMIT 1`,
		contactID, int(inbox.StatePongSent))
	var pingID string
	if err := row.Scan(&pingID); err != nil {
		return ""
	}
	return pingID
}

// pingIDFromHex decodes a stored hex ping-id back into its raw form for
// looking up the in-memory session map. Malformed input yields the zero
// PingID, a harmless no-op delete.
func pingIDFromHex(hexID string) envelope.PingID {
	var id envelope.PingID
	if len(hexID) != len(id)*2 {
		return id
	}
	for i := range id {
		hi, ok1 := hexNibble(hexID[i*2])
		lo, ok2 := hexNibble(hexID[i*2+1])
		if !ok1 || !ok2 {
			return envelope.PingID{}
		}
		id[i] = hi<<4 | lo
	}
	return id
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// storeMessage runs the atomic-store flow: insert the message row under
// storedID, transition the ping-inbox row to MSG_STORED, and record the
// received-ids dedup entry, all inside one transaction.
func (e *Engine) storeMessage(pingID string, contactID int64, storedID string, res *envelope.OpenMessageResult) error {
	tx, err := e.store.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	alreadySeen, err := e.dedup.TryInsertTx(tx, dedup.NamespaceMessage, storedID)
	if err != nil {
		return err
	}
	if alreadySeen {
		return messages.ErrDuplicate
	}

	if err := e.messages.InsertTx(tx, messages.Row{
		MessageID: storedID, ContactID: contactID, PingID: pingID,
		MessageType: int(res.Type), Content: res.Payload, TimestampMs: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	if err := e.inbox.MarkMsgStoredTx(tx, pingID); err != nil {
		return err
	}
	return tx.Commit()
}

// ackRetryBackoff is the MESSAGE_ACK retry schedule: 3 attempts total, 1 s
// then 2 s between them.
var ackRetryBackoff = []time.Duration{0, time.Second, 2 * time.Second}

// sendMessageAck emits a MESSAGE_ACK outside of the storing transaction,
// retrying on dial/send failure. It backgrounds the retries so the poll
// loop that called it is never held up by the backoff.
func (e *Engine) sendMessageAck(contact *identity.Contact, messageID string) {
	ack, err := e.codec.BuildMessageAck(contact.X25519Pub, messageID)
	if err != nil {
		return
	}
	go func() {
		for _, wait := range ackRetryBackoff {
			if wait > 0 {
				time.Sleep(wait)
			}
			connID, err := e.transport.Dial(contact.MessagingOnion, e.transport.PingMessagePort())
			if err != nil {
				continue
			}
			sendErr := e.transport.Send(connID, ack)
			e.transport.Close(connID)
			if sendErr == nil {
				return
			}
		}
		e.log.WithField("contact", contact.ID).Warn("message ack: exhausted retries")
	}()
}

// handleTap implements the P2 handler: a presence beacon that
// re-triggers any pending outbound Pings to this contact.
func (e *Engine) handleTap(in transport.Inbound) {
	defer e.transport.Close(in.Conn)
	senderX, err := e.codec.OpenTap(in.Body)
	if err != nil {
		return
	}
	contact, err := e.contacts.ByX25519(senderX)
	if err != nil {
		return
	}
	_ = e.contacts.SetLastSeenAddress(contact.ID, contact.MessagingOnion)
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindContactTap, ContactID: contact.ID})
	e.send.OnTapObserved(contact.ID, contact.MessagingOnion)
}

// handlePong implements the P3 handler: decrypt, extract the ping-id,
// wake the send engine.
func (e *Engine) handlePong(in transport.Inbound) {
	defer e.transport.Close(in.Conn)
	pid, accepted, senderX, err := e.codec.OpenPong(in.Body)
	if err != nil {
		return
	}
	e.sessions.Put(pid, &pingsession.Session{SenderX25519: senderX})
	e.send.OnPongObserved(pid.Hex(), accepted)
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindPongReceived, PingID: pid.Hex()})
}

// handleAck implements the P4 handler: best-effort, never surfaces an
// error to the caller.
func (e *Engine) handleAck(in transport.Inbound) {
	defer e.transport.Close(in.Conn)
	ack, err := e.codec.OpenAck(in.Body)
	if err != nil {
		return
	}
	contact, err := e.contacts.ByX25519(ack.SenderX25519)
	if err != nil {
		return
	}
	e.send.OnAckObserved(contact.ID, ack)
}
