package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

// directAdapter builds an Adapter that dials directly (no SOCKS proxy),
// for tests that only exercise listener accept/poll plumbing.
func directAdapter(t *testing.T) *Adapter {
	t.Helper()
	return &Adapter{
		dialer:    proxy.Direct,
		conns:     make(map[ConnID]net.Conn),
		listeners: make(map[Listener]net.Listener),
		inbound:   make(map[Listener]chan Inbound),
		ports:     map[Listener]int{ListenerPingMessage: 0},
		log:       logrus.NewEntry(logrus.New()),
	}
}

func TestStartListenerDeliversInboundFrame(t *testing.T) {
	a := directAdapter(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	a.ports[ListenerPingMessage] = port

	require.NoError(t, a.StartListener(ListenerPingMessage, "127.0.0.1"))
	defer a.StopListener(ListenerPingMessage)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello-frame"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if in, ok := a.Poll(ListenerPingMessage); ok {
			require.Equal(t, []byte("hello-frame"), in.Body)
			require.True(t, a.IsAlive(in.Conn))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("never received inbound frame")
}

func TestPollEmptyReturnsFalse(t *testing.T) {
	a := directAdapter(t)
	require.NoError(t, a.StartListener(ListenerTap, "127.0.0.1"))
	defer a.StopListener(ListenerTap)

	_, ok := a.Poll(ListenerTap)
	require.False(t, ok)
}

func TestSendRecvCloseUnknownConn(t *testing.T) {
	a := directAdapter(t)
	require.ErrorIs(t, a.Send(ConnID(999), []byte("x")), ErrUnknownConn)
	_, err := a.Recv(ConnID(999), 16, time.Second)
	require.ErrorIs(t, err, ErrUnknownConn)
	require.False(t, a.IsAlive(ConnID(999)))
	require.NoError(t, a.Close(ConnID(999))) // closing an unknown id is a no-op
}

