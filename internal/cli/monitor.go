package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vvka-141/pgguard/internal/db/manager"
	"github.com/vvka-141/pgguard/internal/metrics"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const (
	monitorShutdownTimeout = 5 * time.Second
	defaultMonitorInterval = 15 * time.Second
)

var monitorFlags struct {
	addr string
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve Prometheus metrics and a health endpoint for the pool",
	Long: `Keeps a pool open and serves:
  /metrics  Prometheus metrics (operations, breaker state, pool gauges)
  /healthz  JSON health status, 503 when unhealthy

Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorFlags.addr, "addr", "", "Listen address (default: metrics.address or :9187)")
	rootCmd.AddCommand(monitorCmd)
}

type healthReporter interface {
	GetHealthStatus() pgguard.HealthStatus
}

// newMonitorHandler serves metrics from g and health from h.
func newMonitorHandler(h healthReporter, g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := h.GetHealthStatus()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.logger.Sync() }()

	if s.pool.HealthCheckInterval == 0 {
		s.pool.HealthCheckInterval = defaultMonitorInterval
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(s.project.Metrics.Namespace, reg)

	mgr, err := s.openManager(cmd, manager.WithObserver(collector))
	if err != nil {
		return err
	}
	defer mgr.Close()
	collector.ObservePoolStats(mgr.GetPoolStats())
	collector.SetBreakerState(mgr.GetCircuitBreakerStatus().State)

	addr := monitorFlags.addr
	if addr == "" {
		addr = s.project.MetricsAddress()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMonitorHandler(mgr, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
	defer cancel()
	s.logger.Info("monitor shutting down")
	return srv.Shutdown(shutdownCtx)
}
