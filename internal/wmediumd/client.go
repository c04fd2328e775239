package wmediumd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"apwifi/internal/minilog"
	"apwifi/internal/xerrors"
)

var log = minilog.Named("wmediumd")

// request is one queued submission: the frame to write, plus a done
// channel the submitter blocks on for the (nil, unless the connector died)
// completion error. A single draining goroutine (Run) processes the queue
// in submission order, which is what gives per-mac-pair FIFO ordering
// (spec.md §4.5 "responses correlated by a monotonically increasing
// request id") without any extra bookkeeping: the global order is a
// superset of every pair's order.
type request struct {
	id    uint64
	op    Opcode
	frame []byte
	done  chan error
}

// Client owns the Unix stream socket to the wmediumd daemon. A single
// goroutine (Run) drains the request queue so per-pair ordering holds
// without the caller needing its own lock (spec.md §4.5 scheduling model).
type Client struct {
	path string

	queue  chan *request
	nextID uint64

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewClient dials path (a Unix stream socket) and returns a Client whose
// Run method must be started in its own goroutine before Submit is called.
func NewClient(path string, queueDepth int) (*Client, error) {
	if queueDepth <= 0 {
		queueDepth = 256
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, xerrors.ExternalToolError(fmt.Sprintf("dialing wmediumd socket %s", path), err)
	}

	return &Client{
		path:  path,
		conn:  conn,
		queue: make(chan *request, queueDepth),
	}, nil
}

// QueueDepth reports how many submissions are waiting to be written --
// exported so the orchestrator can publish it as an internal/metrics gauge.
func (c *Client) QueueDepth() int {
	return len(c.queue)
}

// Run drains the submission queue until ctx is canceled or the connection
// drops. On disconnect it does not reconnect (spec.md §4.5: "topology
// teardown is the expected recovery").
func (c *Client) Run(ctx context.Context) {
	log.Info("wmediumd connector started, socket=%s", c.path)

	for {
		select {
		case <-ctx.Done():
			log.Info("wmediumd connector stopping: %v", ctx.Err())
			c.drainWithError(ctx.Err())
			return

		case req, ok := <-c.queue:
			if !ok {
				return
			}

			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				req.done <- fmt.Errorf("wmediumd connector: socket closed")
				continue
			}

			_, err := conn.Write(req.frame)
			if err != nil {
				log.Error("wmediumd write failed for request %d (%v), disconnecting: %v", req.id, req.op, err)
				req.done <- err
				c.disconnect()
				c.drainWithError(fmt.Errorf("wmediumd connector disconnected: %w", err))
				return
			}

			req.done <- nil
		}
	}
}

func (c *Client) drainWithError(err error) {
	for {
		select {
		case req := <-c.queue:
			req.done <- err
		default:
			return
		}
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the socket; safe to call more than once.
func (c *Client) Close() error {
	c.disconnect()
	return nil
}

// submit encodes and enqueues a message, blocking until it has been written
// (or the connector has given up).
func (c *Client) submit(ctx context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}

	req := &request{
		id:    atomic.AddUint64(&c.nextID, 1),
		op:    m.Op,
		frame: frame,
		done:  make(chan error, 1),
	}

	select {
	case c.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) RegisterInterface(ctx context.Context, mac MAC, medium int32) error {
	return c.submit(ctx, Message{Op: OpRegisterInterface, MAC: mac, Medium: medium})
}

func (c *Client) UpdatePosition(ctx context.Context, mac MAC, x, y, z float64) error {
	return c.submit(ctx, Message{Op: OpUpdatePosition, MAC: mac, X: x, Y: y, Z: z})
}

func (c *Client) UpdateGain(ctx context.Context, mac MAC, gainDBi float64) error {
	return c.submit(ctx, Message{Op: OpUpdateGain, MAC: mac, Value: gainDBi})
}

func (c *Client) UpdateTxPower(ctx context.Context, mac MAC, txPowerDBm float64) error {
	return c.submit(ctx, Message{Op: OpUpdateTxPower, MAC: mac, Value: txPowerDBm})
}

func (c *Client) UpdateErrorProb(ctx context.Context, a, b MAC, p float64) error {
	return c.submit(ctx, Message{Op: OpUpdateErrorProb, MAC: a, MACB: b, Value: p})
}

// UpdateSnr pushes interference-mode SNR for an ordered pair. Per spec.md
// §4.5 the symmetric update is two separate messages; callers wanting both
// directions call this twice with swapped operands.
func (c *Client) UpdateSnr(ctx context.Context, a, b MAC, snrDB float64) error {
	return c.submit(ctx, Message{Op: OpUpdateSnr, MAC: a, MACB: b, Value: snrDB})
}

func (c *Client) SetMedium(ctx context.Context, mac MAC, medium int32) error {
	return c.submit(ctx, Message{Op: OpSetMedium, MAC: mac, Medium: medium})
}

func (c *Client) Del(ctx context.Context, mac MAC) error {
	return c.submit(ctx, Message{Op: OpDel, MAC: mac})
}

// readFrame reads one length-prefixed frame from r; used by tests and by
// any future reply-handling (the daemon in practice is fire-and-forget for
// every opcode above, but the length framing is symmetric).
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return body, nil
}
