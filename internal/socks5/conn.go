// Package socks5 implements the per-connection SOCKS5 state machine:
// the staging byte buffer, the three incremental protocol parsers
// (hello, auth, request), the connection aggregate and flow controller,
// and the bidirectional copy engine.
package socks5

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go-socks5-gateway/internal/accesslog"
	"go-socks5-gateway/internal/config"
	"go-socks5-gateway/internal/metrics"
	"go-socks5-gateway/internal/resolve"
	"go-socks5-gateway/internal/sockopt"
)

const (
	bufferSize       = 4096
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
	resolveTimeout   = 10 * time.Second
)

// resolverClient is the narrow interface conn needs from
// internal/resolve.Resolver (accept-an-interface at the point of use);
// *resolve.Resolver satisfies it, and tests substitute a fake to avoid
// depending on a real DNS resolver being reachable.
type resolverClient interface {
	Resolve(ctx context.Context, host string) <-chan resolve.Result
}

// flowState is one of the states of the SOCKS5 flow controller,
// HelloRead through the two terminals Done and Error.
type flowState int

const (
	stateHelloRead flowState = iota
	stateHelloWrite
	stateAuthRead
	stateAuthWrite
	stateRequestRead
	stateRequestResolving
	stateRequestConnecting
	stateRequestWrite
	stateCopy
	stateDone
	stateError
)

// stateDef describes one state: the handler that performs the state's
// work and returns the next state, plus optional hooks run when the state
// is entered and when it is left.
type stateDef struct {
	onArrival   func(*conn)
	onDeparture func(*conn)
	run         func(*conn) flowState
}

// flowTable is the flow controller's state table. Most states only need
// their handler; REQUEST_WRITE marshals its reply on arrival so every
// path into it (direct dial, resolve failure, unsupported command)
// shares the marshalling, and COPY lifts the handshake deadlines on
// arrival.
var flowTable = [stateError + 1]stateDef{
	stateHelloRead:         {run: (*conn).doHelloRead},
	stateHelloWrite:        {run: (*conn).doHelloWrite},
	stateAuthRead:          {run: (*conn).doAuthRead},
	stateAuthWrite:         {run: (*conn).doAuthWrite},
	stateRequestRead:       {run: (*conn).doRequestRead},
	stateRequestResolving:  {run: (*conn).doRequestResolving},
	stateRequestConnecting: {run: (*conn).doRequestConnecting},
	stateRequestWrite:      {onArrival: (*conn).arriveRequestWrite, run: (*conn).doRequestWrite},
	stateCopy:              {onArrival: (*conn).arriveCopy, run: (*conn).runCopy},
}

// conn is the per-connection aggregate: two sockets, the two shared
// buffers, the parser union, current state, and copy-phase accounting.
// Lifetime is owned by a single goroutine running serve(); only teardown
// reaches into it from elsewhere (via the ref-counted close path).
type conn struct {
	client      net.Conn
	clientAddr  net.Addr
	origin      net.Conn
	originAddrs []net.IPAddr
	boundAddr   net.Addr

	rb, wb *Buffer

	state flowState

	hello HelloParser
	auth  AuthParser
	req   RequestParser

	selectedMethod byte
	authStatus     byte

	username        string
	startedAt       time.Time
	lastStatus      byte
	destString      string
	destPort        uint16
	bytesToOrigin   uint64
	bytesFromOrigin uint64

	// refcount models the two socket owners (client, origin): each holds
	// one logical reference; the connection returns to the pool once both
	// are released.
	refcount int32

	poolNext *conn
	pool     *Pool

	cfg      *config.Config
	resolver resolverClient
	metrics  *metrics.Metrics
	alog     *accesslog.Log
}

func newConn() *conn {
	return &conn{
		rb: NewBuffer(bufferSize),
		wb: NewBuffer(bufferSize),
	}
}

// reset restores a *conn to its zero-connection state for reuse from the
// pool, preserving the already-allocated buffers.
func (c *conn) reset() {
	c.client = nil
	c.clientAddr = nil
	c.origin = nil
	c.originAddrs = nil
	c.boundAddr = nil
	c.rb.Reset()
	c.wb.Reset()
	c.state = stateHelloRead
	c.selectedMethod = 0
	c.authStatus = 0
	c.username = ""
	c.startedAt = time.Time{}
	c.lastStatus = StatusUnknown
	c.destString = ""
	c.destPort = 0
	c.bytesToOrigin = 0
	c.bytesFromOrigin = 0
	c.refcount = 0
	c.poolNext = nil
	c.pool = nil
	c.cfg = nil
	c.resolver = nil
	c.metrics = nil
	c.alog = nil
}

// serve drives the connection through the full hello -> auth -> request ->
// resolve -> connect -> reply -> copy flow, then tears down. It owns
// client for its entire lifetime.
func (c *conn) serve(client net.Conn, cfg *config.Config, resolver resolverClient, m *metrics.Metrics, alog *accesslog.Log, pool *Pool) {
	c.client = client
	c.clientAddr = client.RemoteAddr()
	c.cfg = cfg
	c.resolver = resolver
	c.metrics = m
	c.alog = alog
	c.pool = pool
	c.startedAt = time.Now()
	c.lastStatus = StatusUnknown
	c.state = stateHelloRead
	c.addRef()

	client.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.teardown()
	c.run()
}

// run is the state-machine driver: dispatch the active state's handler,
// and when the returned state differs, fire the old state's departure
// hook then the new state's arrival hook before the next dispatch.
func (c *conn) run() {
	if h := flowTable[c.state].onArrival; h != nil {
		h(c)
	}
	for c.state != stateDone && c.state != stateError {
		def := flowTable[c.state]
		if def.run == nil {
			c.state = stateError
			return
		}
		next := def.run(c)
		if next != c.state {
			if h := def.onDeparture; h != nil {
				h(c)
			}
			c.state = next
			if h := flowTable[next].onArrival; h != nil {
				h(c)
			}
		}
	}
}

// readUntilDone reads from r into c.rb, compacting as needed, calling
// consume after every chunk (and once before any read, in case c.rb
// already holds a full message from a previous short read) until the
// parser it drives reaches a terminal state. ok is false on a read
// failure (recv<=0 or err); the caller must treat that as ERROR
// regardless of errored. This is the fragmentation-tolerant feed loop
// shared by the hello, auth, and request read states: the message may
// arrive in any number of chunks, one byte at a time included.
func (c *conn) readUntilDone(r net.Conn, consume func() (done, errored bool)) (errored bool, ok bool) {
	for {
		if done, errd := consume(); done {
			return errd, true
		}
		if !c.rb.CanWrite() {
			c.rb.Compact()
			if !c.rb.CanWrite() {
				return false, false
			}
		}
		n, err := r.Read(c.rb.WritePtr())
		if err != nil || n <= 0 {
			return false, false
		}
		c.rb.WriteAdvance(n)
	}
}

// doHelloRead is state HELLO_READ.
func (c *conn) doHelloRead() flowState {
	selector := newHelloMethodSelector(c.cfg.RequiresAuth())
	c.hello.OnMethod = selector.onMethod
	c.hello.Init()
	c.rb.Reset()

	errored, ok := c.readUntilDone(c.client, func() (bool, bool) {
		state, _ := c.hello.Consume(c.rb)
		return HelloIsDone(state)
	})
	if !ok || errored {
		return stateError
	}

	// c.rb may hold bytes the client pipelined past the greeting; they
	// stay buffered for the next read state's consume-first pass.
	c.selectedMethod = selector.selected
	c.wb.Reset()
	if _, err := HelloMarshal(c.wb, c.selectedMethod); err != nil {
		return stateError
	}
	return stateHelloWrite
}

// doHelloWrite is state HELLO_WRITE.
func (c *conn) doHelloWrite() flowState {
	if err := c.drainWrite(c.client, c.wb); err != nil {
		return stateError
	}
	switch c.selectedMethod {
	case MethodUserPass:
		return stateAuthRead
	case MethodNoAuth:
		return stateRequestRead
	default:
		return stateError
	}
}

// doAuthRead is state AUTH_READ.
func (c *conn) doAuthRead() flowState {
	c.auth.Init()

	errored, ok := c.readUntilDone(c.client, func() (bool, bool) {
		state, _ := c.auth.Consume(c.rb)
		return AuthIsDone(state)
	})
	if !ok || errored {
		return stateError
	}

	c.username = string(c.auth.Username)
	success := c.cfg.Authenticate(c.username, string(c.auth.Password))
	if success {
		c.authStatus = AuthStatusSuccess
		c.metrics.AuthSuccess.Inc()
	} else {
		c.authStatus = AuthStatusFailure
		c.metrics.AuthFailed.Inc()
	}
	c.alog.Auth(c.remoteAddrString(), c.username, success)

	c.wb.Reset()
	if _, err := AuthMarshal(c.wb, c.authStatus); err != nil {
		return stateError
	}
	return stateAuthWrite
}

// doAuthWrite is state AUTH_WRITE.
func (c *conn) doAuthWrite() flowState {
	if err := c.drainWrite(c.client, c.wb); err != nil {
		return stateError
	}
	if c.authStatus == AuthStatusSuccess {
		return stateRequestRead
	}
	return stateError
}

// doRequestRead is state REQUEST_READ.
func (c *conn) doRequestRead() flowState {
	c.req.Init()

	errored, ok := c.readUntilDone(c.client, func() (bool, bool) {
		state, _ := c.req.Consume(c.rb)
		return RequestIsDone(state)
	})
	if !ok {
		return stateError
	}
	if errored {
		switch c.req.State() {
		case RequestErrCmd:
			c.lastStatus = StatusCommandNotSupported
			return stateRequestWrite
		case RequestErrAtyp:
			c.lastStatus = StatusAddressTypeNotSupported
			return stateRequestWrite
		default:
			// Version/format errors before the reply step close silently.
			return stateError
		}
	}

	req := c.req.Request
	c.destPort = req.Port
	switch req.Atyp {
	case AtypIPv4, AtypIPv6:
		ip := net.IP(append([]byte(nil), req.Addr...))
		c.destString = ip.String()
		c.originAddrs = []net.IPAddr{{IP: ip}}
		return stateRequestConnecting
	default:
		c.destString = string(req.Addr)
		return stateRequestResolving
	}
}

// doRequestResolving is state REQUEST_RESOLVING: the goroutine blocks on
// the resolver's result channel until the off-goroutine lookup publishes
// its address list.
func (c *conn) doRequestResolving() flowState {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	res := <-c.resolver.Resolve(ctx, c.destString)
	if res.Err != nil || len(res.Addrs) == 0 {
		c.lastStatus = StatusHostUnreachable
		return stateRequestWrite
	}
	c.originAddrs = res.Addrs
	return stateRequestConnecting
}

// doRequestConnecting is state REQUEST_CONNECTING: iterate the candidate
// addresses, dialing each in turn until one succeeds or the list is
// exhausted. A blocking Dial per candidate stands in for the non-blocking
// connect-then-poll-writable sequence an event loop would need, since
// this goroutine can block without starving any other connection.
func (c *conn) doRequestConnecting() flowState {
	dialer := net.Dialer{Timeout: dialTimeout, Control: sockopt.Control}

	var lastErr error
	for _, a := range c.originAddrs {
		target := net.JoinHostPort(a.String(), strconv.Itoa(int(c.destPort)))
		origin, err := dialer.Dial("tcp", target)
		if err != nil {
			lastErr = err
			continue
		}

		c.origin = origin
		c.addRef()
		c.boundAddr = origin.LocalAddr()
		c.lastStatus = StatusSucceeded
		c.metrics.ConnectionSuccess.Inc()
		c.alog.Connection(c.remoteAddrString(), c.destString, c.destPort, c.lastStatus)
		return stateRequestWrite
	}

	if lastErr == nil {
		c.lastStatus = StatusHostUnreachable
	} else {
		c.lastStatus = ErrnoToSocks(lastErr)
	}
	c.alog.Connection(c.remoteAddrString(), c.destString, c.destPort, c.lastStatus)
	return stateRequestWrite
}

// arriveRequestWrite marshals the reply into the write buffer: the bound
// local address on success, an all-zero IPv4 address and port zero on
// failure. Bytes the client pipelined ahead of the reply stay staged in
// c.rb for the copy phase to flush first.
func (c *conn) arriveRequestWrite() {
	c.wb.Reset()
	if c.lastStatus != StatusSucceeded {
		RequestMarshal(c.wb, c.lastStatus, AtypIPv4, nil, 0)
		return
	}

	atyp := byte(AtypIPv4)
	var ip []byte
	var port uint16
	if tcpAddr, ok := c.boundAddr.(*net.TCPAddr); ok {
		if v4 := tcpAddr.IP.To4(); v4 != nil {
			ip = v4
		} else {
			atyp = AtypIPv6
			ip = tcpAddr.IP.To16()
		}
		port = uint16(tcpAddr.Port)
	}
	RequestMarshal(c.wb, StatusSucceeded, atyp, ip, port)
}

// doRequestWrite is state REQUEST_WRITE.
func (c *conn) doRequestWrite() flowState {
	if err := c.drainWrite(c.client, c.wb); err != nil {
		return stateError
	}
	if c.lastStatus == StatusSucceeded {
		return stateCopy
	}
	// A logical success-of-protocol-with-error-reply: DONE, not ERROR.
	// The failed-connection counter ticks here, once the error reply has
	// actually drained to the client.
	c.metrics.ConnectionFailed.Inc()
	return stateDone
}

// arriveCopy lifts the handshake deadlines: the tunnel has no inactivity
// timeout of its own, teardown is driven by EOF or error.
func (c *conn) arriveCopy() {
	c.client.SetDeadline(time.Time{})
	if c.origin != nil {
		c.origin.SetDeadline(time.Time{})
	}
}

// drainWrite sends every readable byte in b to w, as the WRITE-interest
// states do until their buffer drains.
func (c *conn) drainWrite(w net.Conn, b *Buffer) error {
	for b.CanRead() {
		n, err := w.Write(b.ReadPtr())
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b.ReadAdvance(n)
	}
	b.Reset()
	return nil
}

// teardown emits the access-log record if a parsed CONNECT request set
// the destination, closes both sockets, and releases both references, returning the
// connection to the pool once the count hits zero.
func (c *conn) teardown() {
	if c.destString != "" {
		c.alog.Access(c.username, c.remoteAddrString(), c.destString, c.destPort, c.lastStatus, c.bytesToOrigin, c.bytesFromOrigin)
	}
	c.alog.Disconnection(c.remoteAddrString(), c.startedAt)
	c.metrics.ConnectionClosed()

	// Capture both fds before releasing any reference: the final release
	// returns c to the pool, and the pooled object must not be touched
	// after that (another accept may already be reusing it).
	client, origin := c.client, c.origin
	if client != nil {
		client.Close()
		c.releaseRef()
	}
	if origin != nil {
		origin.Close()
		c.releaseRef()
	}
}

func (c *conn) addRef() {
	atomic.AddInt32(&c.refcount, 1)
}

// releaseRef drops one reference; when the count reaches zero, the
// connection is returned to the pool.
func (c *conn) releaseRef() {
	if atomic.AddInt32(&c.refcount, -1) == 0 && c.pool != nil {
		c.pool.Put(c)
	}
}

func (c *conn) remoteAddrString() string {
	if c.clientAddr != nil {
		return c.clientAddr.String()
	}
	return ""
}
