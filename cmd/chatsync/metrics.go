package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teamdesk/chatsync"
	"go.uber.org/zap"
)

var (
	metricsAddr string
	metricsSrv  *metricsServer
)

// metricsServer exposes the sync collectors of a live command on /metrics.
type metricsServer struct {
	metrics *chatsync.Metrics
	addr    string
	srv     *http.Server
}

func startMetrics(addr string) (*metricsServer, error) {
	reg := prometheus.NewRegistry()
	m := chatsync.NewMetrics(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics_server_failed", zap.Error(err))
		}
	}()
	logger.Debug("metrics_listening", zap.String("addr", ln.Addr().String()))
	return &metricsServer{metrics: m, addr: ln.Addr().String(), srv: srv}, nil
}

// sessionMetrics starts the metrics endpoint on first use when
// --metrics-addr is set. It returns nil otherwise.
func sessionMetrics() (*chatsync.Metrics, error) {
	if metricsAddr == "" {
		return nil, nil
	}
	if metricsSrv == nil {
		s, err := startMetrics(metricsAddr)
		if err != nil {
			return nil, err
		}
		metricsSrv = s
	}
	return metricsSrv.metrics, nil
}

func (s *metricsServer) Close() error {
	if s == nil {
		return nil
	}
	return s.srv.Close()
}
