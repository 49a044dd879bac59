package limitd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// startMetrics binds the optional Prometheus scrape endpoint. An empty
// MetricsListen leaves the server without any HTTP surface.
func (s *Server) startMetrics() error {
	if s.cfg.MetricsListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.metricsSrv = &http.Server{Handler: mux}
	s.logger.Info("metrics listening", "address", ln.Addr().String())
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) stopMetrics() {
	if s.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.metricsSrv.Shutdown(ctx)
	s.metricsSrv = nil
}
