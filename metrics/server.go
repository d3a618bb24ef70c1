package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phimask.evalgo.org/common"
)

// Server exposes the metrics registry over HTTP when an address is
// configured.
type Server struct {
	srv *http.Server
}

// StartServer begins serving /metrics on addr in a background goroutine.
func StartServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Logger.WithField("addr", addr).WithError(err).Warn("metrics server stopped")
		}
	}()
	common.Logger.WithField("addr", addr).Info("metrics server listening")
	return &Server{srv: srv}
}

// Shutdown stops the server, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
