package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultPingInterval = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultBuffer       = 256
)

// HubOptions configures a Hub connection.
type HubOptions struct {
	// URL is the ws:// or wss:// address of the hub endpoint.
	URL string
	// Token returns the bearer credential for each connection attempt.
	Token              func() string
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadLimit          int64
	Buffer             int
	InsecureSkipVerify bool
}

// Hub is a Channel backed by a hub-protocol websocket. It reconnects with
// exponential backoff and emits EventReconnected once a connection is
// re-established after a gap. A rejected credential stops it for good.
type Hub struct {
	opts   HubOptions
	dialer *websocket.Dialer
	events chan models.Event

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	connected atomic.Bool
	now       func() time.Time
}

func NewHub(opts HubOptions) *Hub {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
		if opts.ReconnectMax < opts.ReconnectMin {
			opts.ReconnectMax = opts.ReconnectMin
		}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.WriteTimeout,
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Hub{
		opts:   opts,
		dialer: dialer,
		events: make(chan models.Event, opts.Buffer),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// HubURL derives the websocket address of the hub from the API base URL.
func HubURL(baseURL, hubPath string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/" + strings.TrimLeft(hubPath, "/")
	return u.String(), nil
}

// Start connects in the background until ctx ends or Close is called.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
}

func (h *Hub) Events() <-chan models.Event { return h.events }

// Connected reports whether a hub connection is currently established.
func (h *Hub) Connected() bool { return h.connected.Load() }

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Err returns the error that stopped the hub, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close stops the hub and waits for the connection to shut down.
func (h *Hub) Close() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	<-h.done
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer close(h.events)

	backoff := h.opts.ReconnectMin
	gap := false
	for {
		conn, err := h.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, gateway.ErrAuth) {
				logger.Error("channel_auth_failed", "error", err)
				h.setErr(err)
				return
			}
			logger.Warn("channel_connect_failed", "error", err, "retry_in", backoff)
			gap = true
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, h.opts.ReconnectMax)
			continue
		}

		backoff = h.opts.ReconnectMin
		h.connected.Store(true)
		if gap {
			logger.Info("channel_reconnected")
			if !h.emit(ctx, models.Event{Type: models.EventReconnected, ReceivedAt: h.now()}) {
				h.connected.Store(false)
				_ = conn.Close()
				return
			}
		} else {
			logger.Info("channel_connected")
		}

		err = h.serve(ctx, conn)
		h.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("channel_disconnected", "error", err)
		gap = true
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// connect dials the hub and completes the protocol handshake.
func (h *Hub) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(h.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	header := http.Header{}
	if tok := h.opts.Token(); tok != "" {
		q := u.Query()
		q.Set("access_token", tok)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := h.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &gateway.Error{Kind: gateway.ErrAuth, Op: "hub_connect", Status: resp.StatusCode, Err: err}
		}
		return nil, &gateway.Error{Kind: gateway.ErrNetwork, Op: "hub_connect", Err: err}
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	_ = conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	_ = conn.SetReadDeadline(h.now().Add(h.opts.WriteTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := handshakeError(data); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection fails or ctx ends. A keepalive
// ping is written every PingInterval; the server is considered gone after
// two intervals of silence.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
				_ = conn.WriteMessage(websocket.TextMessage, closeFrame)
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(h.now().Add(2 * h.opts.PingInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, raw := range splitFrames(data) {
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				logger.Warn("channel_bad_frame", "error", err)
				continue
			}
			switch f.Type {
			case frameInvocation:
				ev, ok, err := decodeInvocation(f, h.now())
				if err != nil {
					logger.Warn("channel_bad_invocation", "target", f.Target, "error", err)
					continue
				}
				if !ok {
					logger.Debug("channel_ignored_target", "target", f.Target)
					continue
				}
				if !h.emit(ctx, ev) {
					return ctx.Err()
				}
			case framePing, frameCompletion:
			case frameClose:
				if f.Error != "" {
					return fmt.Errorf("server closed connection: %s", f.Error)
				}
				return errors.New("server closed connection")
			default:
				logger.Debug("channel_unknown_frame", "type", f.Type)
			}
		}
	}
}

func (h *Hub) emit(ctx context.Context, ev models.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
