// Package transport implements the adapter between the engines and the
// anonymizing overlay: dialing hidden-service addresses through a
// SOCKS proxy, and running the four fixed-port listeners. A connection
// is opened, owned by whoever opened it, and explicitly torn down;
// dialing goes through golang.org/x/net/proxy's SOCKS5 client to reach
// a .onion address via the local Tor SOCKS port.
package transport

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Listener identifies one of the four fixed local ports.
type Listener int

const (
	ListenerPingMessage Listener = iota // P1: PING, MESSAGE, FRIEND_REQUEST
	ListenerTap                         // P2: TAP
	ListenerPong                        // P3: PONG
	ListenerACK                         // P4: PING_ACK, MESSAGE_ACK
)

// DefaultPorts are the default loopback ports.
var DefaultPorts = map[Listener]int{
	ListenerPingMessage: 8080,
	ListenerTap:         9151,
	ListenerPong:        9152,
	ListenerACK:         9153,
}

// ConnID identifies one live connection, dialed or accepted.
type ConnID uint64

// ErrUnknownConn is returned by Send/Recv/Close/IsAlive for a stale or
// unknown ConnID.
var ErrUnknownConn = errors.New("transport: unknown connection id")

// Inbound is one accepted frame, handed to a listener's poll loop.
type Inbound struct {
	Conn ConnID
	Body []byte
}

// Adapter exposes dial/send/recv/close/is_alive over hidden-service
// addresses, plus the four listener poll queues.
type Adapter struct {
	log       *logrus.Entry
	dialer    proxy.Dialer
	socksAddr string
	nextID    uint64
	mu        sync.Mutex
	conns     map[ConnID]net.Conn
	listeners map[Listener]net.Listener
	inbound   map[Listener]chan Inbound
	ports     map[Listener]int
}

// Config controls SOCKS proxy address and listener ports.
type Config struct {
	SocksAddr string // e.g. "127.0.0.1:9050"
	Ports     map[Listener]int
	Log       *logrus.Logger
}

// New constructs an Adapter whose Dial goes through the given SOCKS5
// proxy. A SOCKS-style proxy must be reachable before outgoing work
// can be accepted.
func New(cfg Config) (*Adapter, error) {
	d, err := proxy.SOCKS5("tcp", cfg.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "transport: build socks5 dialer")
	}
	ports := cfg.Ports
	if ports == nil {
		ports = DefaultPorts
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	return &Adapter{
		log:       log.WithField("component", "transport"),
		dialer:    d,
		socksAddr: cfg.SocksAddr,
		conns:     make(map[ConnID]net.Conn),
		listeners: make(map[Listener]net.Listener),
		inbound:   make(map[Listener]chan Inbound),
		ports:     ports,
	}, nil
}

// ProbeSocks checks that the configured SOCKS proxy is accepting TCP
// connections. It does not attempt the SOCKS handshake itself, a
// plain TCP connect is enough to tell a dead proxy from a live one.
func (a *Adapter) ProbeSocks(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", a.socksAddr, timeout)
	if err != nil {
		return errors.Wrap(err, "transport: socks probe")
	}
	return conn.Close()
}

// Dial opens a connection to a hidden-service address, returning a
// ConnID the caller uses for Send/Recv/Close/IsAlive.
func (a *Adapter) Dial(hiddenAddr string, port int) (ConnID, error) {
	conn, err := a.dialer.Dial("tcp", net.JoinHostPort(hiddenAddr, strconv.Itoa(port)))
	if err != nil {
		return 0, errors.Wrap(err, "transport: dial")
	}
	id := ConnID(atomic.AddUint64(&a.nextID, 1))
	a.mu.Lock()
	a.conns[id] = conn
	a.mu.Unlock()
	return id, nil
}

// Send writes bytes to an open connection.
func (a *Adapter) Send(id ConnID, body []byte) error {
	conn, ok := a.get(id)
	if !ok {
		return ErrUnknownConn
	}
	_, err := conn.Write(body)
	if err != nil {
		a.Close(id)
	}
	return err
}

// Recv performs a single bounded read, the instant-path short read
// used when a reply is expected on the same connection.
func (a *Adapter) Recv(id ConnID, maxBytes int, timeout time.Duration) ([]byte, error) {
	conn, ok := a.get(id)
	if !ok {
		return nil, ErrUnknownConn
	}
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, maxBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Close tears down a connection. No more messages can be sent on this
// ConnID once it returns.
func (a *Adapter) Close(id ConnID) error {
	a.mu.Lock()
	conn, ok := a.conns[id]
	delete(a.conns, id)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// isAliveProbeTimeout bounds the write-shutdown probe IsAlive performs;
// a peer that hasn't half-closed its side responds (or times out)
// almost instantly, so this stays short.
const isAliveProbeTimeout = 2 * time.Second

// IsAlive probes id at the transport level: a zero-length write under a
// short deadline, never a timestamp or map-presence check, since clock
// skew between peers can be arbitrary. A write-shutdown or reset on the
// underlying socket surfaces as an error here even though the ConnID is
// still tracked locally, and the connection is torn down immediately.
func (a *Adapter) IsAlive(id ConnID) bool {
	conn, ok := a.get(id)
	if !ok {
		return false
	}
	if err := conn.SetWriteDeadline(time.Now().Add(isAliveProbeTimeout)); err != nil {
		a.Close(id)
		return false
	}
	_, err := conn.Write(nil)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		a.Close(id)
		return false
	}
	return true
}

func (a *Adapter) get(id ConnID) (net.Conn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.conns[id]
	return conn, ok
}

// StartListener binds and accepts on one of the four fixed ports,
// delivering each accepted frame to the channel returned by Poll. Each
// accepted connection is read once (half-duplex request/response) then
// handed to the caller via the inbound channel; the caller
// is responsible for writing any reply and closing the connection
// through Send/Close using the returned ConnID.
func (a *Adapter) StartListener(l Listener, bindAddr string) error {
	port := a.ports[l]
	ln, err := net.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(err, "transport: listen on %v", l)
	}
	ch := make(chan Inbound, 256)

	a.mu.Lock()
	a.listeners[l] = ln
	a.inbound[l] = ch
	a.mu.Unlock()

	go a.acceptLoop(l, ln, ch)
	return nil
}

func (a *Adapter) acceptLoop(l Listener, ln net.Listener, ch chan Inbound) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.log.WithError(err).WithField("listener", l).Debug("accept loop stopped")
			return
		}
		go a.readOneFrame(l, conn, ch)
	}
}

func (a *Adapter) readOneFrame(l Listener, conn net.Conn, ch chan Inbound) {
	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		conn.Close()
		return
	}
	id := ConnID(atomic.AddUint64(&a.nextID, 1))
	a.mu.Lock()
	a.conns[id] = conn
	a.mu.Unlock()

	select {
	case ch <- Inbound{Conn: id, Body: append([]byte(nil), buf[:n]...)}:
	default:
		a.log.WithField("listener", l).Warn("inbound queue full, dropping frame")
		a.Close(id)
	}
}

// Poll is a non-blocking poll of one listener's queue: it returns
// ok=false immediately if nothing is queued.
func (a *Adapter) Poll(l Listener) (Inbound, bool) {
	a.mu.Lock()
	ch, ok := a.inbound[l]
	a.mu.Unlock()
	if !ok {
		return Inbound{}, false
	}
	select {
	case in := <-ch:
		return in, true
	default:
		return Inbound{}, false
	}
}

// PingMessagePort returns the configured P1 port, the address the send
// engine dials for PING, MESSAGE, and FRIEND_REQUEST frames.
func (a *Adapter) PingMessagePort() int { return a.ports[ListenerPingMessage] }

// TapPort returns the configured P2 port, the address a presence
// beacon is dialed against.
func (a *Adapter) TapPort() int { return a.ports[ListenerTap] }

// PongPort returns the configured P3 port, the address the download
// sequence dials to deliver a Pong.
func (a *Adapter) PongPort() int { return a.ports[ListenerPong] }

// StopListener closes the listening socket for l.
func (a *Adapter) StopListener(l Listener) error {
	a.mu.Lock()
	ln, ok := a.listeners[l]
	delete(a.listeners, l)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return ln.Close()
}

