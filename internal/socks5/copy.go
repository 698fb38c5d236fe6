package socks5

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// closeWriter and closeReader let half-close degrade gracefully on
// net.Conn implementations that don't support it (e.g. in tests using
// net.Pipe): a plain Close substitutes for a missing CloseWrite, and a
// missing CloseRead is skipped.
type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// runCopy is the copy engine: two symmetric, concurrent halves,
// client->origin and origin->client, each a full blocking copy loop.
// Every read or write blocks only the half it belongs to, so no interest
// bookkeeping is needed, and half-close is explicit CloseWrite/CloseRead
// instead of clearing bits in a duplex mask. The connection's two staging
// buffers back the two directions directly: rb carries client->origin
// bytes, wb origin->client.
func (c *conn) runCopy() flowState {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// Flush any request bytes the client pipelined ahead of the reply
		// before entering the steady-state loop.
		if c.rb.CanRead() {
			n, err := c.origin.Write(c.rb.ReadPtr())
			if n > 0 {
				c.rb.ReadAdvance(n)
				atomic.AddUint64(&c.bytesToOrigin, uint64(n))
				c.metrics.BytesFromClient.Add(float64(n))
				c.metrics.BytesToOrigin.Add(float64(n))
			}
			if err != nil {
				halfCloseWrite(c.origin)
				halfCloseRead(c.client)
				return
			}
		}
		c.rb.Reset()
		copyHalf(c.origin, c.client, c.rb.data, &c.bytesToOrigin, c.metrics.BytesFromClient, c.metrics.BytesToOrigin)
	}()
	go func() {
		defer wg.Done()
		copyHalf(c.client, c.origin, c.wb.data, &c.bytesFromOrigin, c.metrics.BytesFromOrigin, c.metrics.BytesToClient)
	}()

	wg.Wait()
	return stateDone
}

// copyHalf copies from src to dst until EOF or error, then half-closes
// both ends: dst for writing (no more data will arrive from this
// direction) and src for reading (its peer has stopped listening). A
// read error on one half never aborts the other; each half runs to its
// own completion independently, so one direction may keep flowing after
// the other has seen EOF.
func copyHalf(dst, src net.Conn, buf []byte, connCounter *uint64, readMetric, writeMetric prometheus.Counter) {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
			atomic.AddUint64(connCounter, uint64(n))
			readMetric.Add(float64(n))
			writeMetric.Add(float64(n))
		}
		if rerr != nil {
			break
		}
	}
	halfCloseWrite(dst)
	halfCloseRead(src)
}

func halfCloseWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

func halfCloseRead(conn net.Conn) {
	if cr, ok := conn.(closeReader); ok {
		cr.CloseRead()
	}
}
