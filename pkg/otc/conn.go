package otc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// heartbeatByte is the single byte payload of a server heartbeat request.
// The reply is an empty frame, not another 'H'.
const heartbeatByte = 'H'

// cxn owns one live TCP connection. The write loop is the sole writer of the
// socket and the sole consumer of the outbox; callers only append framed
// bytes to the pending buffer. The read loop is the sole reader.
type cxn struct {
	cl   *Client
	conn net.Conn
	addr string

	// wmu guards pending. The write loop swaps pending with the drained
	// active buffer and writes the whole of it in one call, coalescing
	// bursts of small requests into few large writes and keeping at most
	// one write outstanding.
	wmu     sync.Mutex
	pending *bytes.Buffer
	active  *bytes.Buffer
	kick    chan struct{}

	dead   int32
	deadCh chan struct{}
}

func newCxn(cl *Client, conn net.Conn) *cxn {
	c := &cxn{
		cl:      cl,
		conn:    conn,
		addr:    cl.cfg.hostPort(),
		pending: bytes.NewBuffer(make([]byte, 0, 1<<14)),
		active:  bytes.NewBuffer(make([]byte, 0, 1<<14)),
		kick:    make(chan struct{}, 1),
		deadCh:  make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// enqueue frames payload and appends it to the pending outbox. A nil or
// empty payload enqueues a bare zero length frame, the heartbeat reply.
func (c *cxn) enqueue(payload []byte) error {
	if atomic.LoadInt32(&c.dead) == 1 {
		return ErrConnClosed
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	c.wmu.Lock()
	c.pending.Write(hdr[:])
	c.pending.Write(payload)
	c.wmu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *cxn) writeLoop() {
	for {
		select {
		case <-c.deadCh:
			return
		case <-c.kick:
		}
		for {
			c.wmu.Lock()
			if c.pending.Len() == 0 {
				c.wmu.Unlock()
				break
			}
			c.pending, c.active = c.active, c.pending
			c.wmu.Unlock()

			n, err := c.conn.Write(c.active.Bytes())
			c.active.Reset()
			c.cl.cfg.hooks.each(func(h Hook) {
				if h, ok := h.(WriteHook); ok {
					h.OnWrite(c.addr, n, err)
				}
			})
			if err != nil {
				c.die(err)
				return
			}
		}
	}
}

func (c *cxn) readLoop() {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.die(err)
			return
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n == 0 { // keep-alive
			continue
		}
		if n > uint32(c.cl.cfg.maxReadBytes) {
			c.die(fmt.Errorf("response frame of %d bytes exceeds limit %d", n, c.cl.cfg.maxReadBytes))
			return
		}
		body := make([]byte, n)
		nread, err := io.ReadFull(c.conn, body)
		c.cl.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(ReadHook); ok {
				h.OnRead(c.addr, 4+nread, err)
			}
		})
		if err != nil {
			c.die(err)
			return
		}
		if n == 1 && body[0] == heartbeatByte {
			c.enqueue(nil)
			continue
		}
		ticket, val, err := decodeResponse(body)
		if err != nil {
			// No ticket to correlate; drop the frame and keep reading.
			c.cl.log(LogLevelError, "invalid bson frame dropped", "err", err)
			continue
		}
		c.cl.notify(ticket, val)
	}
}

// die kills the connection once and reports the death to the client, which
// fans the failure out to every outstanding waiter.
func (c *cxn) die(err error) {
	if atomic.SwapInt32(&c.dead, 1) == 1 {
		return
	}
	close(c.deadCh)
	c.conn.Close()
	c.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(DisconnectHook); ok {
			h.OnDisconnect(c.addr, c.conn)
		}
	})
	c.cl.connDied(c, err)
}
