package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultAPIPrefix = "/api"
)

// Credentials supplies the current user and the bearer credential attached
// to every request.
type Credentials interface {
	UserID() string
	Token() string
}

// Options configures a Gateway.
type Options struct {
	BaseURL            string
	APIPrefix          string
	Timeout            time.Duration
	RPS                float64
	Burst              int
	InsecureSkipVerify bool
	// Dial overrides the connection dialer; tests use an in-memory listener.
	Dial fasthttp.DialFunc
}

// Gateway issues commands and queries against the chat API. Every call is
// a single request/response exchange; nothing is retried automatically.
type Gateway struct {
	base    string
	timeout time.Duration
	client  *fasthttp.Client
	creds   Credentials
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]*models.PendingOperation
	edits   map[int64]*inflight

	now      func() time.Time
	newToken func() string
}

func New(opts Options, creds Credentials) *Gateway {
	prefix := opts.APIPrefix
	if prefix == "" {
		prefix = defaultAPIPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	client := &fasthttp.Client{
		Name:                "chatsync",
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: time.Minute,
		Dial:                opts.Dial,
	}
	if opts.InsecureSkipVerify {
		client.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Gateway{
		base:     strings.TrimRight(opts.BaseURL, "/") + "/" + strings.Trim(prefix, "/"),
		timeout:  timeout,
		client:   client,
		creds:    creds,
		limiter:  rate.NewLimiter(limit, burst),
		pending:  make(map[string]*models.PendingOperation),
		edits:    make(map[int64]*inflight),
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// UserID returns the current user's id.
func (g *Gateway) UserID() string { return g.creds.UserID() }

type request struct {
	op     string
	method string
	path   string
	query  *fasthttp.Args
	body   any
}

// do performs one exchange and decodes a 2xx body into out.
func (g *Gateway) do(ctx context.Context, r request, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &Error{Kind: ErrNetwork, Op: r.op, Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := g.base + r.path
	if r.query != nil && r.query.Len() > 0 {
		uri += "?" + r.query.String()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(r.method)
	req.Header.Set("Accept", "application/json")
	if tok := g.creds.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return &Error{Kind: ErrRejected, Op: r.op, Err: err}
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(b)
	}

	timeout := g.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrNetwork, Op: r.op, Err: err}
	}
	start := g.now()
	if err := g.client.DoTimeout(req, resp, timeout); err != nil {
		logger.Warn("gateway_request_failed", "op", r.op, "method", r.method, "path", r.path, "error", err)
		return &Error{Kind: ErrNetwork, Op: r.op, Err: err}
	}
	status := resp.StatusCode()
	logger.Debug("gateway_request_done", "op", r.op, "method", r.method, "path", r.path, "status", status, "took", g.now().Sub(start))

	if status < 200 || status > 299 {
		return statusError(r.op, status, errorMessage(resp.Body()))
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Kind: ErrNetwork, Op: r.op, Status: status, Message: "malformed response", Err: err}
	}
	return nil
}

// errorMessage extracts the server message from an error body.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

// IsAuth is a convenience for callers that trigger a credential refresh.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsNotFound reports a missing edit/delete target or an empty resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
