package signalr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/internal/metrics"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/fasthttp/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

// State is the listener's position in its connection cycle.
type State string

const (
	StateStopped     State = "stopped"
	StateNegotiating State = "negotiating"
	StateConnecting  State = "connecting"
	StateStreaming   State = "streaming"
	StateBackingOff  State = "backing_off"
)

const (
	DefaultHub                 = "default"
	DefaultReadTimeout         = 30 * time.Second
	DefaultStreamRetryDelay    = 5 * time.Second
	DefaultNegotiateRetryDelay = 10 * time.Second
)

// Publisher receives decoded refresh signals. *bus.Bus satisfies it.
type Publisher interface {
	Publish(evt event.TicketRefresh) int
}

type Config struct {
	BaseURL   string
	Hub       string
	Token     string
	KitchenID string

	ReadTimeout         time.Duration
	StreamRetryDelay    time.Duration
	NegotiateRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Hub == "" {
		c.Hub = DefaultHub
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.StreamRetryDelay <= 0 {
		c.StreamRetryDelay = DefaultStreamRetryDelay
	}
	if c.NegotiateRetryDelay <= 0 {
		c.NegotiateRetryDelay = DefaultNegotiateRetryDelay
	}
	return c
}

type Option func(*Client)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client keeps a streaming connection to the POS message server open and
// turns ticket refresh messages into bus events. It reconnects forever
// until stopped.
type Client struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger
	clock  clockwork.Clock
	http   *http.Client
	dialer *websocket.Dialer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	state   State
	lastErr error
	since   time.Time

	reconnects   metrics.Counter
	refreshes    metrics.Counter
	decodeErrors metrics.Counter
}

// New builds a stopped client. BaseURL and a publisher are required.
func New(cfg Config, pub Publisher, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("message server url is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if _, err := ConnectURL(cfg.BaseURL, DefaultHub, ""); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg.withDefaults(),
		pub:    pub,
		logger: logging.OrDiscard(logger),
		clock:  clockwork.NewRealClock(),
		http:   &http.Client{Timeout: 15 * time.Second},
		dialer: websocket.DefaultDialer,
		state:  StateStopped,

		reconnects:   metrics.NewCounter("kds.signalr.reconnects", "Message server reconnect attempts"),
		refreshes:    metrics.NewCounter("kds.signalr.refreshes", "Ticket refresh signals decoded"),
		decodeErrors: metrics.NewCounter("kds.signalr.decode_errors", "Frames or markers that could not be decoded"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.since = c.clock.Now()
	return c, nil
}

// Start launches the connection loop in the background. Calling Start on a
// running client does nothing. If a previous loop is still winding down
// after a timed out Stop, Start waits for it to exit, or for ctx to expire.
func (c *Client) Start(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.cancel != nil {
			c.mu.Unlock()
			return nil
		}
		prev := c.done
		if prev == nil || exited(prev) {
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c.cancel = cancel
			c.done = make(chan struct{})
			go c.run(runCtx, c.done)
			c.mu.Unlock()

			c.logger.Info("starting message server listener", "url", c.cfg.BaseURL, "hub", c.cfg.Hub)
			return nil
		}
		c.mu.Unlock()

		select {
		case <-prev:
		case <-ctx.Done():
			return fmt.Errorf("cannot start message server listener, previous one still running: %w", ctx.Err())
		}
	}
}

// Stop cancels the loop and waits for it to release the connection, or for
// ctx to expire. Calling Stop on a stopped client does nothing.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		if cancel != nil {
			c.logger.Info("message server listener stopped")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cannot stop message server listener: %w", ctx.Err())
	}
}

func exited(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the most recent connection failure, nil once streaming
// resumes.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Since is when the client entered its current state.
func (c *Client) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.state = s
	c.since = c.clock.Now()
	if s == StateStreaming {
		c.lastErr = nil
	}
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateStopped)

	for {
		delay, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.setError(err)
		c.reconnects.Inc(ctx, attribute.String("state", string(c.State())))
		c.logger.Warn("message server connection lost", "error", err, "retry_in", delay)

		if !c.sleep(ctx, delay) {
			return
		}
	}
}

// session runs one negotiate, connect, receive cycle. It returns the delay
// to wait before the next attempt and the error that ended the cycle.
func (c *Client) session(ctx context.Context) (time.Duration, error) {
	c.setState(StateNegotiating)
	token, err := c.negotiate(ctx)
	if err != nil {
		return c.cfg.NegotiateRetryDelay, err
	}

	c.setState(StateConnecting)
	u, err := ConnectURL(c.cfg.BaseURL, c.cfg.Hub, token)
	if err != nil {
		return c.cfg.NegotiateRetryDelay, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, c.headers())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return c.cfg.StreamRetryDelay, fmt.Errorf("cannot connect to message server: %w", err)
	}

	c.setState(StateStreaming)
	c.logger.Info("connected to message server", "hub", c.cfg.Hub)

	return c.cfg.StreamRetryDelay, c.receive(ctx, conn)
}

// receive reads frames until the connection fails or ctx is done. Reads
// happen on their own goroutine so that a read timeout never poisons the
// connection: when no frame arrives within ReadTimeout the loop simply
// keeps waiting.
func (c *Client) receive(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan []byte)
	errs := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	timer := c.clock.NewTimer(c.cfg.ReadTimeout)
	defer func() {
		conn.Close()
		<-readerDone
	}()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			return fmt.Errorf("message server stream failed: %w", err)

		case data := <-frames:
			c.handleFrame(ctx, data)
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(c.cfg.ReadTimeout)

		case <-timer.Chan():
			c.logger.Debug("no message server traffic", "timeout", c.cfg.ReadTimeout)
			timer.Reset(c.cfg.ReadTimeout)
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	ids, skipped, err := ParseFrame(data)
	if err != nil {
		c.decodeErrors.Inc(ctx, attribute.String("kind", "frame"))
		c.logger.Warn("discarding malformed frame", "error", err)
		return
	}

	for _, e := range skipped {
		c.decodeErrors.Inc(ctx, attribute.String("kind", "marker"))
		c.logger.Warn("skipping ticket refresh", "error", e)
	}

	for _, id := range ids {
		evt := event.NewTicketRefresh(c.cfg.KitchenID, id, event.SourcePOS, c.clock.Now())
		n := c.pub.Publish(evt)
		c.refreshes.Inc(ctx)
		c.logger.Debug("ticket refresh received", "sambapos_ticket_id", id, "subscribers", n)
	}
}

// sleep waits d on the injected clock. It reports false when ctx ended
// first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	c.setState(StateBackingOff)

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
