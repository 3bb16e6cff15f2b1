package app

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"chatsync/pkg/logger"
)

// startMetrics serves /metrics and /healthz on metrics.address.
func (a *App) startMetrics() error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", a.cfg.Metrics.Address, err)
	}
	a.metricsAddr = ln.Addr().String()

	const (
		readTimeout  = 5 * time.Second
		writeTimeout = 10 * time.Second
		idleTimeout  = 30 * time.Second
	)
	a.srvFast = &fasthttp.Server{
		Handler:      a.metricsHandler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go func() {
		if err := a.srvFast.Serve(ln); err != nil {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()
	logger.Info("metrics_listening", "addr", a.metricsAddr)
	return nil
}

// MetricsAddr is the bound metrics address, empty when disabled.
func (a *App) MetricsAddr() string { return a.metricsAddr }

func (a *App) metricsHandler() fasthttp.RequestHandler {
	prom := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			prom(ctx)
		case "/healthz":
			a.healthzHandlerFast(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// healthzHandlerFast reports the lifecycle phase and the open conversation.
func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	snap := a.rec.Snapshot()
	body, _ := json.Marshal(map[string]any{
		"status":    a.State(),
		"version":   a.version,
		"connected": a.Connected(),
		"peer":      snap.PeerID,
		"sync":      string(snap.State),
		"pending":   len(snap.Pending),
	})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.Write(body)
}
