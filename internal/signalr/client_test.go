package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/fasthttp/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	ch chan event.TicketRefresh
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event.TicketRefresh, 32)}
}

func (r *recorder) Publish(evt event.TicketRefresh) int {
	r.ch <- evt
	return 1
}

func (r *recorder) next(t *testing.T) event.TicketRefresh {
	t.Helper()
	select {
	case evt := <-r.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticket refresh")
		return event.TicketRefresh{}
	}
}

// fakeServer stands in for the POS message server. Each accepted stream is
// handed to the test through conns.
type fakeServer struct {
	*httptest.Server
	negotiates    atomic.Int32
	failNegotiate atomic.Int32
	authHeader    atomic.Value
	conns         chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/signalr/negotiate", func(w http.ResponseWriter, r *http.Request) {
		fs.negotiates.Add(1)
		fs.authHeader.Store(r.Header.Get("Authorization"))
		if fs.failNegotiate.Load() > 0 {
			fs.failNegotiate.Add(-1)
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"ConnectionToken": "abc/123",
			"ConnectionId":    "c1",
		})
	})
	mux.HandleFunc("/signalr/connect", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("connectionToken") != "abc/123" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func sendRefresh(t *testing.T, conn *websocket.Conn, args ...string) {
	t.Helper()
	frame := map[string]interface{}{
		"C": "d-1",
		"M": []map[string]interface{}{{"H": "default", "M": "update", "A": args}},
	}
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func startClient(t *testing.T, fs *fakeServer, clock clockwork.Clock, rec *recorder, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = fs.URL
	if cfg.KitchenID == "" {
		cfg.KitchenID = "k1"
	}
	c, err := New(cfg, rec, nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "client never reached %s", want)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		pub     Publisher
		wantErr bool
	}{
		{name: "valid", cfg: Config{BaseURL: "http://pos.local"}, pub: newRecorder()},
		{name: "missingURL", cfg: Config{}, pub: newRecorder(), wantErr: true},
		{name: "missingPublisher", cfg: Config{BaseURL: "http://pos.local"}, wantErr: true},
		{name: "badScheme", cfg: Config{BaseURL: "ftp://pos.local"}, pub: newRecorder(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, tt.pub, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateStopped, c.State())
			assert.Equal(t, DefaultHub, c.cfg.Hub)
			assert.Equal(t, DefaultReadTimeout, c.cfg.ReadTimeout)
			assert.Equal(t, DefaultStreamRetryDelay, c.cfg.StreamRetryDelay)
			assert.Equal(t, DefaultNegotiateRetryDelay, c.cfg.NegotiateRetryDelay)
		})
	}
}

func TestClientDeliversRefreshes(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC))
	rec := newRecorder()
	c := startClient(t, fs, clock, rec, Config{Token: "secret"})

	conn := fs.accept(t)
	waitState(t, c, StateStreaming)

	sendRefresh(t, conn, "<TICKET_REFRESH>42")

	evt := rec.next(t)
	assert.Equal(t, event.EventTicketRefresh, evt.Type)
	assert.Equal(t, int64(42), evt.SambaPOSTicketID)
	assert.Equal(t, "k1", evt.KitchenID)
	assert.Equal(t, event.SourcePOS, evt.Source)
	assert.True(t, evt.Timestamp.Equal(clock.Now()))
	assert.Equal(t, "Bearer secret", fs.authHeader.Load())
}

func TestClientSkipsMalformedInput(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	c := startClient(t, fs, clock, rec, Config{})

	conn := fs.accept(t)
	waitState(t, c, StateStreaming)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendRefresh(t, conn, "<TICKET_REFRESH>oops")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{}")))
	sendRefresh(t, conn, "<TICKET_REFRESH>7")

	assert.Equal(t, int64(7), rec.next(t).SambaPOSTicketID)
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, int32(1), fs.negotiates.Load())
}

func TestClientReadTimeoutKeepsConnection(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	c := startClient(t, fs, clock, rec, Config{ReadTimeout: 30 * time.Second})

	conn := fs.accept(t)
	waitState(t, c, StateStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(31 * time.Second)
	clock.Advance(31 * time.Second)

	sendRefresh(t, conn, "<TICKET_REFRESH>11")
	assert.Equal(t, int64(11), rec.next(t).SambaPOSTicketID)
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, int32(1), fs.negotiates.Load())
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	c := startClient(t, fs, clock, rec, Config{})

	first := fs.accept(t)
	waitState(t, c, StateStreaming)
	sendRefresh(t, first, "<TICKET_REFRESH>1")
	assert.Equal(t, int64(1), rec.next(t).SambaPOSTicketID)

	first.Close()
	waitState(t, c, StateBackingOff)
	assert.Error(t, c.LastError())

	clock.Advance(DefaultStreamRetryDelay)

	second := fs.accept(t)
	waitState(t, c, StateStreaming)
	assert.NoError(t, c.LastError())
	assert.Equal(t, int32(2), fs.negotiates.Load())

	sendRefresh(t, second, "<TICKET_REFRESH>2")
	assert.Equal(t, int64(2), rec.next(t).SambaPOSTicketID)
}

func TestClientNegotiateFailureUsesLongerDelay(t *testing.T) {
	fs := newFakeServer(t)
	fs.failNegotiate.Store(1)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	c := startClient(t, fs, clock, rec, Config{})

	waitState(t, c, StateBackingOff)
	assert.Equal(t, int32(1), fs.negotiates.Load())

	clock.Advance(DefaultStreamRetryDelay)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.negotiates.Load(), "retried before the negotiate delay elapsed")

	clock.Advance(DefaultNegotiateRetryDelay - DefaultStreamRetryDelay)
	fs.accept(t)
	waitState(t, c, StateStreaming)
	assert.Equal(t, int32(2), fs.negotiates.Load())
}

func TestClientStartStopIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()

	c, err := New(Config{BaseURL: fs.URL}, rec, nil, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	fs.accept(t)
	waitState(t, c, StateStreaming)
	assert.Equal(t, int32(1), fs.negotiates.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
}

func TestClientStopDuringBackoff(t *testing.T) {
	fs := newFakeServer(t)
	fs.failNegotiate.Store(100)
	clock := clockwork.NewFakeClock()
	rec := newRecorder()

	c, err := New(Config{BaseURL: fs.URL}, rec, nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, StateBackingOff)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, c.State())
}

// stuckPublisher holds the receive loop inside Publish until released.
type stuckPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *stuckPublisher) Publish(event.TicketRefresh) int {
	p.entered <- struct{}{}
	<-p.release
	return 1
}

func TestClientRestartWaitsForPreviousLoop(t *testing.T) {
	fs := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	pub := &stuckPublisher{entered: make(chan struct{}, 4), release: make(chan struct{})}

	c, err := New(Config{BaseURL: fs.URL}, pub, nil, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})

	conn := fs.accept(t)
	waitState(t, c, StateStreaming)
	sendRefresh(t, conn, "<TICKET_REFRESH>1")
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never reached the publisher")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelStop()
	require.Error(t, c.Stop(stopCtx), "loop is stuck, stop times out")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelStart()
	require.Error(t, c.Start(startCtx), "old loop still running")
	assert.Equal(t, int32(1), fs.negotiates.Load())

	close(pub.release)
	require.NoError(t, c.Start(context.Background()))

	fs.accept(t)
	waitState(t, c, StateStreaming)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStreaming, c.State(), "old loop must not overwrite the new state")
	assert.Equal(t, int32(2), fs.negotiates.Load())
}
