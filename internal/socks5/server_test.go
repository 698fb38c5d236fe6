package socks5

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"go-socks5-gateway/internal/config"
	"go-socks5-gateway/internal/metrics"
	"go-socks5-gateway/internal/resolve"
)

// newTestServer runs the full accept loop on an ephemeral loopback port so
// end-to-end tests exercise real TCP sockets (and therefore real
// CloseWrite/CloseRead half-close, which net.Pipe cannot provide).
func newTestServer(t *testing.T, cfg *config.Config) (addr string, m *metrics.Metrics, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m = metrics.New()
	s := &Server{
		cfg:      cfg,
		resolver: resolve.New(4),
		metrics:  m,
		alog:     newTestLog(t),
		pool:     NewPool(cfg.PoolSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.serveListener(ctx, ln)
		close(done)
	}()

	return ln.Addr().String(), m, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

// handshakeConnect dials the proxy and walks the no-auth greeting plus a
// CONNECT to target, returning the connected client socket.
func handshakeConnect(t *testing.T, proxyAddr, target string) *net.TCPConn {
	t.Helper()
	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	client := c.(*net.TCPConn)

	_, err = client.Write([]byte{Version5, 0x01, MethodNoAuth})
	require.NoError(t, err)
	hello := make([]byte, 2)
	_, err = io.ReadFull(client, hello)
	require.NoError(t, err)
	require.Equal(t, []byte{Version5, MethodNoAuth}, hello)

	_, err = client.Write(ipv4RequestBytes(t, target))
	require.NoError(t, err)
	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, reply[1])
	return client
}

func waitForCounter(t *testing.T, read func() float64, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if read() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter did not reach %v (got %v)", want, read())
}

// TestServer_CopyConservation tunnels a payload through a real echo origin
// and checks the four directional byte counters balance: bytes read from
// the client equal bytes written to the origin and vice versa, once the
// session has fully torn down.
func TestServer_CopyConservation(t *testing.T) {
	echoAddr, stopEcho := startEcho(t)
	defer stopEcho()

	proxyAddr, m, shutdown := newTestServer(t, &config.Config{})
	defer shutdown()

	client := handshakeConnect(t, proxyAddr, echoAddr)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := client.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, client.Close())
	waitForCounter(t, func() float64 { return testutil.ToFloat64(m.ConnectionsClosed) }, 1)

	fromClient := testutil.ToFloat64(m.BytesFromClient)
	toOrigin := testutil.ToFloat64(m.BytesToOrigin)
	fromOrigin := testutil.ToFloat64(m.BytesFromOrigin)
	toClient := testutil.ToFloat64(m.BytesToClient)

	require.Equal(t, fromClient, toOrigin)
	require.Equal(t, fromOrigin, toClient)
	require.EqualValues(t, len(payload), fromClient)
	require.EqualValues(t, len(payload), fromOrigin)
	require.EqualValues(t, 1, testutil.ToFloat64(m.ConnectionsOpened))
	require.EqualValues(t, 0, testutil.ToFloat64(m.ConnectionsCurrent))
}

// TestServer_HalfCloseAllowsPeerDrain: the client sends EOF while the
// origin still has data to deliver; the client must keep receiving until
// the origin's own EOF.
func TestServer_HalfCloseAllowsPeerDrain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	late := []byte("late-data-after-client-eof")
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// Drain the client direction to EOF first, then answer.
		io.Copy(io.Discard, c)
		c.Write(late)
		c.Close()
	}()

	proxyAddr, _, shutdown := newTestServer(t, &config.Config{})
	defer shutdown()

	client := handshakeConnect(t, proxyAddr, ln.Addr().String())
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())

	got, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, late, got)
}

// TestServer_PipelinedRequest sends the greeting, request, and the first
// payload bytes in a single write; the bytes that arrive ahead of the
// reply must still reach the origin once the tunnel opens.
func TestServer_PipelinedRequest(t *testing.T) {
	echoAddr, stopEcho := startEcho(t)
	defer stopEcho()

	proxyAddr, _, shutdown := newTestServer(t, &config.Config{})
	defer shutdown()

	c, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte{Version5, 0x01, MethodNoAuth})
	require.NoError(t, err)
	hello := make([]byte, 2)
	_, err = io.ReadFull(c, hello)
	require.NoError(t, err)

	// Request and payload in one segment, before the reply is read.
	msg := append(ipv4RequestBytes(t, echoAddr), []byte("early")...)
	_, err = c.Write(msg)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, reply[1])

	echoed := make([]byte, 5)
	_, err = io.ReadFull(c, echoed)
	require.NoError(t, err)
	require.Equal(t, []byte("early"), echoed)
}
