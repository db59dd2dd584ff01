package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/store"
	"github.com/shieldmsg/pingpong/internal/transport"
)

// fakeSeq is a minimal in-memory SequenceTracker for tests.
type fakeSeq struct{}

func (fakeSeq) Next(string) (uint64, error)         { return 1, nil }
func (fakeSeq) Accept(string, uint64) (bool, error) { return true, nil }

// fakeSocks starts a bare TCP listener standing in for a reachable SOCKS
// proxy: ProbeSocks only needs a successful TCP connect, never the
// SOCKS handshake itself.
func fakeSocks(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// deadSocksAddr returns an address nothing listens on: bind then
// immediately close, so probes against it fail deterministically.
func deadSocksAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestSupervisor(t *testing.T, socksAddr string) *Supervisor {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	id, err := identity.Generate()
	require.NoError(t, err)
	codec := envelope.New(id.SignPub, id.SignPrivate(), id.AgreePrivate(), id.AgreePub, fakeSeq{})

	ct := contacts.New(s)

	tr, err := transport.New(transport.Config{SocksAddr: socksAddr})
	require.NoError(t, err)

	bus := eventbus.New()
	sup := New(tr, ct, codec, bus, nil)
	sup.probeTimeout = 200 * time.Millisecond
	return sup
}

func TestBringUpSucceedsWhenSocksReachable(t *testing.T) {
	addr, closeFn := fakeSocks(t)
	defer closeFn()

	sup := newTestSupervisor(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.bringUp(ctx))

	t.Cleanup(sup.tearDown)
}

func TestBringUpBacksOffUntilContextExpires(t *testing.T) {
	sup := newTestSupervisor(t, deadSocksAddr(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// Nothing is listening at the configured address, so bringUp must
	// keep retrying (5s initial backoff) until the short-lived ctx
	// expires first.
	err := sup.bringUp(ctx)
	require.Error(t, err)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	b := initialBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
	}
	require.Equal(t, maxBackoff, b)
}

func TestSteadyStateForcesRestartAfterThreeFailures(t *testing.T) {
	sup := newTestSupervisor(t, deadSocksAddr(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	restarted := sup.steadyStateWithInterval(ctx, 20*time.Millisecond)
	require.True(t, restarted)
}

func TestSteadyStateStopsOnContextCancel(t *testing.T) {
	addr, closeFn := fakeSocks(t)
	defer closeFn()

	sup := newTestSupervisor(t, addr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, sup.steadyStateWithInterval(ctx, time.Millisecond))
}

func TestBroadcastTapSkipsWhenNoContacts(t *testing.T) {
	addr, closeFn := fakeSocks(t)
	defer closeFn()

	sup := newTestSupervisor(t, addr)
	// No contacts registered: broadcastTap must return promptly
	// without blocking on any dial.
	done := make(chan struct{})
	go func() {
		sup.broadcastTap()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcastTap did not return with no contacts")
	}
}

func TestStatusReflectsLastPublished(t *testing.T) {
	sup := newTestSupervisor(t, deadSocksAddr(t))
	require.False(t, sup.Status().TorConnected)

	sup.publishStatus(Status{TorConnected: true, ListenersReady: true})
	st := sup.Status()
	require.True(t, st.TorConnected)
	require.True(t, st.ListenersReady)
}
