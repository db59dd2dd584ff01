// Package supervisor owns overlay bring-up, listener lifecycle,
// reconnection backoff, a SOCKS health probe, and the tap-all-contacts
// broadcast on reconnect: a small facade owning a single internal
// goroutine that holds all the mutable lifecycle state.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/transport"
)

// Reconnection backoff bounds.
const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
	minAttemptGap  = 3 * time.Second
)

// TapInterval is the inter-send gap of the reconnection Tap broadcast.
const TapInterval = 150 * time.Millisecond

// healthProbeInterval is how often the steady-state loop re-checks the
// SOCKS proxy once the overlay is up.
const healthProbeInterval = 15 * time.Second

// healthFailureWindow and healthFailureBudget implement "3 consecutive
// failures within 60 s forces a full overlay restart".
const (
	healthFailureWindow = 60 * time.Second
	healthFailureBudget = 3
)

const listenBindAddr = "127.0.0.1"

var listenerOrder = []transport.Listener{
	transport.ListenerPingMessage,
	transport.ListenerTap,
	transport.ListenerPong,
	transport.ListenerACK,
}

// Status is a point-in-time snapshot of the supervisor's lifecycle
// state, safe to read from any goroutine.
type Status struct {
	TorConnected   bool
	ListenersReady bool
	LastRestartAt  time.Time
}

// Supervisor owns the overlay lifecycle. All mutable state is touched
// only from the single goroutine Run owns, except the last-published
// Status snapshot, which is the one field a short mutex guards so
// external callers can read it without synchronizing with Run.
type Supervisor struct {
	transport *transport.Adapter
	contacts  *contacts.Store
	codec     *envelope.Codec
	bus       *eventbus.Bus
	log       *logrus.Entry

	probeTimeout time.Duration

	mu   sync.Mutex // guards only the snapshot cache read by Status callers outside the run loop
	last Status
}

// New constructs a Supervisor from its collaborators.
func New(tr *transport.Adapter, ct *contacts.Store, codec *envelope.Codec, bus *eventbus.Bus, log *logrus.Logger) *Supervisor {
	if log == nil {
		log = logrus.New()
	}
	return &Supervisor{
		transport:    tr,
		contacts:     ct,
		codec:        codec,
		bus:          bus,
		log:          log.WithField("component", "supervisor"),
		probeTimeout: 5 * time.Second,
	}
}

// Run brings the overlay up and keeps it up until ctx is cancelled: it
// never returns except on shutdown, tearing down and bringing the
// overlay up again whenever the SOCKS health probe exhausts its failure
// budget.
func (s *Supervisor) Run(ctx context.Context) {
	state := Status{}

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.bringUp(ctx); err != nil {
			return // ctx cancelled mid backoff
		}
		state.TorConnected = true
		state.ListenersReady = true
		state.LastRestartAt = time.Now()
		s.publishStatus(state)
		s.broadcastTap()

		s.bus.Publish(eventbus.Event{Kind: eventbus.KindSystemStatus, Detail: "overlay up"})

		if !s.steadyStateWithInterval(ctx, healthProbeInterval) {
			return
		}

		// steadyState returned because the health budget was exhausted:
		// tear down and loop back to bringUp.
		s.tearDown()
		state = Status{}
		s.publishStatus(state)
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindSystemStatus, Detail: "overlay restart forced"})
	}
}

// bringUp blocks until the SOCKS proxy is reachable and all four
// listeners are bound, retrying with exponential backoff: 5 s initial,
// 60 s cap, at least 3 s between attempts.
func (s *Supervisor) bringUp(ctx context.Context) error {
	for {
		if err := s.waitForSocks(ctx); err != nil {
			return err
		}
		if err := s.startListeners(); err != nil {
			s.log.WithError(err).Error("bring-up: start listeners failed, retrying")
			s.tearDown()
			if !sleepCtx(ctx, minAttemptGap) {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

func (s *Supervisor) waitForSocks(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.transport.ProbeSocks(s.probeTimeout); err == nil {
			return nil
		}
		s.log.Warn("bring-up: socks unreachable, backing off")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Supervisor) startListeners() error {
	for _, l := range listenerOrder {
		if err := s.transport.StartListener(l, listenBindAddr); err != nil {
			return err
		}
	}
	return nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// broadcastTap sends a Tap to every known contact, spaced TapInterval
// apart, so peers learn our current address without all being hit in
// the same instant.
func (s *Supervisor) broadcastTap() {
	all, err := s.contacts.All()
	if err != nil {
		s.log.WithError(err).Error("broadcast tap: load contacts")
		return
	}
	for i, c := range all {
		if i > 0 {
			time.Sleep(TapInterval)
		}
		s.tapOne(c.X25519Pub, c.MessagingOnion)
	}
}

func (s *Supervisor) tapOne(peerX [32]byte, onion string) {
	frame, err := s.codec.BuildTap(peerX)
	if err != nil {
		return
	}
	connID, err := s.transport.Dial(onion, s.transport.TapPort())
	if err != nil {
		return
	}
	defer s.transport.Close(connID)
	_ = s.transport.Send(connID, frame)
}

// steadyStateWithInterval runs the SOCKS health probe on the given
// interval (healthProbeInterval in production; tests shrink it),
// forcing a full restart after healthFailureBudget consecutive
// failures inside healthFailureWindow. Returns false if ctx was
// cancelled, true if a restart was forced.
func (s *Supervisor) steadyStateWithInterval(ctx context.Context, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var failures int
	var windowStart time.Time

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := s.transport.ProbeSocks(s.probeTimeout); err == nil {
				failures = 0
				continue
			}
			now := time.Now()
			if windowStart.IsZero() || now.Sub(windowStart) > healthFailureWindow {
				windowStart = now
				failures = 0
			}
			failures++
			s.log.WithField("failures", failures).Warn("health probe failed")
			if failures >= healthFailureBudget {
				return true
			}
		}
	}
}

func (s *Supervisor) tearDown() {
	for _, l := range listenerOrder {
		_ = s.transport.StopListener(l)
	}
}

func (s *Supervisor) publishStatus(st Status) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

// Status returns the last published lifecycle snapshot. Safe to call
// from any goroutine, before or after Run starts.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
