package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/models"
)

// FetchHistory reads one page of the conversation with req.PeerID, newest
// first, strictly before req.Before when set.
func (g *Gateway) FetchHistory(ctx context.Context, req models.HistoryRequest) (models.HistoryPage, error) {
	count := req.Count
	if count <= 0 {
		count = models.HistoryDefaultCount
	}
	if count > models.HistoryMaxCount {
		count = models.HistoryMaxCount
	}
	sortOrder := req.Sort
	if sortOrder == "" {
		sortOrder = models.SortDesc
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Add("userId", req.PeerID)
	args.Add("count", strconv.Itoa(count))
	args.Add("sort", sortOrder)
	if req.Before != nil && !req.Before.IsZero() {
		args.Add("before", req.Before.UTC().Format(time.RFC3339Nano))
	}

	var env models.Envelope[[]models.Message]
	if err := g.do(ctx, request{op: "fetch_history", method: fasthttp.MethodGet, path: "/messages", query: args}, &env); err != nil {
		// an empty conversation is reported as 404 by the API
		if IsNotFound(err) {
			return models.HistoryPage{PeerID: req.PeerID, Requested: count}, nil
		}
		return models.HistoryPage{}, err
	}
	return models.HistoryPage{
		PeerID:     req.PeerID,
		Messages:   env.Data,
		Requested:  count,
		PeerActive: env.IsActive,
	}, nil
}

// Search finds messages of the current user containing query.
func (g *Gateway) Search(ctx context.Context, query string) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Add("query", query)

	var env models.Envelope[[]models.Message]
	if err := g.do(ctx, request{op: "search", method: fasthttp.MethodGet, path: "/conversation/search", query: args}, &env); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return env.Data, nil
}

// Users lists the conversations of the current user with unread counts.
func (g *Gateway) Users(ctx context.Context) ([]models.User, error) {
	var env models.Envelope[[]models.User]
	if err := g.do(ctx, request{op: "users", method: fasthttp.MethodGet, path: "/user"}, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// UpdateChatStatus tells the server which conversation is open so it can
// mark it read; previous may be empty.
func (g *Gateway) UpdateChatStatus(ctx context.Context, current, previous string) error {
	body := struct {
		CurrentUserID  string `json:"currentUserId"`
		PreviousUserID string `json:"previousUserId,omitempty"`
	}{current, previous}
	return g.do(ctx, request{op: "chat_status", method: fasthttp.MethodPut, path: "/user/chat-status", body: body}, nil)
}

// UpdateStatusMessage sets the current user's status message.
func (g *Gateway) UpdateStatusMessage(ctx context.Context, status string) (models.User, error) {
	body := struct {
		StatusMessage string `json:"statusMessage"`
	}{status}
	var env models.Envelope[models.User]
	if err := g.do(ctx, request{op: "status_message", method: fasthttp.MethodPut, path: "/user/profile", body: body}, &env); err != nil {
		return models.User{}, err
	}
	return env.Data, nil
}

// RequestLogs reads the server request log between start and end.
func (g *Gateway) RequestLogs(ctx context.Context, start, end time.Time) ([]models.RequestLog, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	if !start.IsZero() {
		args.Add("startTime", start.UTC().Format(time.RFC3339Nano))
	}
	if !end.IsZero() {
		args.Add("endTime", end.UTC().Format(time.RFC3339Nano))
	}
	var env models.Envelope[[]models.RequestLog]
	if err := g.do(ctx, request{op: "request_logs", method: fasthttp.MethodGet, path: "/log", query: args}, &env); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return env.Data, nil
}
