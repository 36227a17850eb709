// Package relay ships finished encounter results to a remote collection
// service over a persistent framed connection.
//
// Results wait in a bounded drop-oldest queue. A single background loop owns
// the connection: it reconnects with exponential backoff, sends one result at
// a time and waits for its acknowledgment before the next. A result whose
// transmission fails goes back to the front of the queue, so delivery is at
// least once and in close order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/healstats/internal/adapters/mq/queue"
	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
	"github.com/okian/healstats/pkg/metrics"
)

// Default client configuration constants.
const (
	defaultQueueSize      = 64
	defaultAckTimeout     = 5 * time.Second
	defaultDialTimeout    = 3 * time.Second
	defaultBackoffInitial = 250 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats is a point-in-time view of client counters.
type Stats struct {
	State    State
	Queued   int
	Sent     uint64
	Retried  uint64
	Rejected uint64
	Evicted  uint64
	Connects uint64
	Failures uint64
}

// Client relays results to one remote address.
type Client struct {
	addr        string
	queueSize   int
	ackTimeout  time.Duration
	dialTimeout time.Duration
	backoff     *backoff.ExponentialBackOff
	dialer      Dialer
	queue       *queue.InMemoryQueue
	logger      logger.Logger

	state    atomic.Int32
	nextID   atomic.Uint64
	sent     atomic.Uint64
	retried  atomic.Uint64
	rejected atomic.Uint64
	evicted  atomic.Uint64
	connects atomic.Uint64
	failures atomic.Uint64

	mu        sync.Mutex
	started   bool
	aborted   bool
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New creates a client for addr with configuration options.
func New(addr string, opts ...Option) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultBackoffInitial
	b.MaxInterval = defaultBackoffMax

	c := &Client{
		addr:        addr,
		queueSize:   defaultQueueSize,
		ackTimeout:  defaultAckTimeout,
		dialTimeout: defaultDialTimeout,
		backoff:     b,
		dialer:      &net.Dialer{},
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Named("relay")
	}
	c.logger = c.logger.With(logger.String("addr", addr))
	c.queue = queue.NewInMemoryQueue(
		queue.WithCapacity(c.queueSize),
		queue.WithEvictHandler(c.onEvict),
	)
	metrics.UpdateRelayState(int(StateDisconnected))
	return c
}

// Enqueue hands a result to the client. It never blocks on network state;
// when the queue is full the oldest unsent result is evicted.
func (c *Client) Enqueue(ctx context.Context, res model.Result) { //nolint:gocritic // hugeParam: ownership transfers by value
	if err := c.queue.Enqueue(ctx, res.Clone()); err != nil {
		metrics.RecordErrorByComponent("relay", "enqueue_closed")
		c.logger.Warn(ctx, "result dropped, relay is shutting down",
			logger.Op("enqueue"),
			logger.String("encounter_id", res.EncounterID),
			logger.Error(err),
		)
	}
}

func (c *Client) onEvict(it queue.Item) {
	c.evicted.Add(1)
	c.logger.Warn(context.Background(), "outbound queue full, evicted oldest result",
		logger.Op("enqueue"),
		logger.String("encounter_id", it.EncounterID),
		logger.Int("capacity", c.queueSize),
	)
}

// Run owns the connection until ctx is canceled, Shutdown forces it out, or
// the queue is closed and fully delivered. It must be called once. A Run that
// begins after Shutdown has already given up returns immediately.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		cancel()
		return errors.New("relay: Run called twice")
	}
	c.started = true
	c.cancel = cancel
	aborted := c.aborted
	c.mu.Unlock()
	defer close(c.done)
	defer cancel()
	if aborted {
		return nil
	}

	c.logger.Info(ctx, "relay started", logger.Op("run"))
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			break
		}
		err = c.session(ctx, conn)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			break
		}
		c.failures.Add(1)
		c.logger.Warn(ctx, "connection lost", logger.Op("send"), logger.Error(err))
	}
	c.setState(StateDisconnected)
	c.logger.Info(ctx, "relay stopped", logger.Op("run"), logger.Int("queued", c.queue.Len(ctx)))
	return nil
}

// connect dials until a session is established. It gives up only when ctx
// is done or there is nothing left to deliver after Close.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.backoff.Reset()
	closing := c.closing
	for {
		if c.drained(ctx) {
			return nil, queue.ErrClosed
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.connects.Add(1)
			metrics.RecordRelayConnect("success")
			c.setState(StateConnected)
			c.logger.Info(ctx, "connected", logger.Op("connect"))
			return conn, nil
		}
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := c.backoff.NextBackOff()
		if errors.Is(err, ErrIncompatibleVersion) {
			metrics.RecordRelayConnect("rejected")
			metrics.RecordErrorByComponent("relay", "version")
			c.logger.Error(ctx, "remote rejected protocol version", logger.Op("connect"), logger.Error(err))
			wait = c.backoff.MaxInterval
		} else {
			metrics.RecordRelayConnect("error")
			c.logger.Warn(ctx, "connect failed", logger.Op("connect"),
				logger.Error(err),
				logger.Duration("retry_in", wait),
			)
		}

		timer := time.NewTimer(wait)
	sleep:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-closing:
				closing = nil
				if c.drained(ctx) {
					timer.Stop()
					return nil, queue.ErrClosed
				}
			case <-timer.C:
				break sleep
			}
		}
	}
}

// dial opens a connection and negotiates the protocol version.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	deadline, _ := dctx.Deadline()
	if err := c.handshake(conn, deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) handshake(conn net.Conn, deadline time.Time) error {
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := wire.Write(conn, wire.Hello()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	reply, err := wire.Read(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch reply.Type {
	case wire.TypeHelloAck:
		if reply.Version < wire.MinVersion || reply.Version > wire.CurrentVersion {
			return fmt.Errorf("%w: remote chose %d", ErrIncompatibleVersion, reply.Version)
		}
	case wire.TypeHelloReject:
		return fmt.Errorf("%w: %s", ErrIncompatibleVersion, reply.Error)
	default:
		return fmt.Errorf("handshake: %w: %q", wire.ErrUnexpectedMessage, reply.Type)
	}
	return conn.SetDeadline(time.Time{})
}

// session sends queued results over conn until something fails. The
// connection is closed on every return path, and a canceled ctx closes it
// immediately to unblock any pending read or write.
func (c *Client) session(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		c.setState(StateDisconnected)
	}()

	for {
		res, err := c.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, conn, &res)
		switch {
		case err == nil:
		case errors.Is(err, ErrRejected):
			c.rejected.Add(1)
			metrics.RecordResultRejected()
			c.logger.Error(ctx, "result rejected by remote, dropping",
				logger.Op("send"),
				logger.String("encounter_id", res.EncounterID),
				logger.Error(err),
			)
		default:
			c.retried.Add(1)
			c.queue.Requeue(ctx, res)
			return err
		}
	}
}

// send transmits one result and waits for its acknowledgment.
func (c *Client) send(ctx context.Context, conn net.Conn, res *model.Result) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	env, err := wire.NewResult(id, wire.FromResult(res))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	begin := time.Now()
	if err := conn.SetDeadline(begin.Add(c.ackTimeout)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := wire.Write(conn, env); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		reply, err := wire.Read(conn)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrAckTimeout, c.ackTimeout)
			}
			return fmt.Errorf("await ack: %w", err)
		}
		if reply.ID != id {
			c.logger.Debug(ctx, "ignoring reply for another message",
				logger.Op("send"),
				logger.String("want", id),
				logger.String("got", reply.ID),
			)
			continue
		}

		switch reply.Type {
		case wire.TypeAck:
			c.sent.Add(1)
			metrics.RecordResultSent(float64(time.Since(begin).Milliseconds()))
			c.logger.Debug(ctx, "result delivered",
				logger.Op("send"),
				logger.String("encounter_id", res.EncounterID),
				logger.Duration("latency", time.Since(begin)),
			)
			return nil
		case wire.TypeNack:
			if reply.Retry {
				return fmt.Errorf("%w: %s", ErrRetryLater, reply.Error)
			}
			return fmt.Errorf("%w: %s", ErrRejected, reply.Error)
		default:
			return fmt.Errorf("await ack: %w: %q", wire.ErrUnexpectedMessage, reply.Type)
		}
	}
}

// Shutdown stops accepting results and lets the client deliver what is
// queued until ctx is done. Then the connection is closed and whatever is
// left is discarded.
//
// The grace period applies whenever results are waiting, even if Run has not
// been scheduled yet. Only a client that never ran and holds nothing returns
// at once.
func (c *Client) Shutdown(ctx context.Context) error {
	_ = c.queue.Close()
	c.closeOnce.Do(func() { close(c.closing) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	var err error
	if started || c.queue.Len(ctx) > 0 {
		select {
		case <-c.done:
		case <-ctx.Done():
			err = fmt.Errorf("relay shutdown: %w", ctx.Err())
			c.abort()
		}
	}

	if lost := c.queue.Drain(ctx); len(lost) > 0 {
		metrics.RecordErrorByComponent("relay", "shutdown_loss")
		c.logger.Warn(ctx, "results not delivered before shutdown",
			logger.Op("shutdown"),
			logger.Int("count", len(lost)),
		)
	}
	return err
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Len returns the number of results waiting for transmission.
func (c *Client) Len() int {
	return c.queue.Len(context.Background())
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:    c.State(),
		Queued:   c.Len(),
		Sent:     c.sent.Load(),
		Retried:  c.retried.Load(),
		Rejected: c.rejected.Load(),
		Evicted:  c.evicted.Load(),
		Connects: c.connects.Load(),
		Failures: c.failures.Load(),
	}
}

// abort forces a running loop out and makes a later Run return at once.
func (c *Client) abort() {
	c.mu.Lock()
	c.aborted = true
	started, cancel := c.started, c.cancel
	c.mu.Unlock()
	if started {
		cancel()
		<-c.done
	}
}

func (c *Client) drained(ctx context.Context) bool {
	return c.queue.IsClosed() && c.queue.Len(ctx) == 0
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		metrics.UpdateRelayState(int(s))
	}
}
