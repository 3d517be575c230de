package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "pagecap"

var (
	// CDPCommands counts protocol commands by method and outcome (ok, protocol_error, timeout, closed, canceled).
	CDPCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cdp",
		Name:      "commands_total",
		Help:      "Protocol commands sent to the browser, by method and outcome.",
	}, []string{"method", "outcome"})

	// CDPPending tracks commands awaiting a reply.
	CDPPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "cdp",
		Name:      "pending_commands",
		Help:      "Commands written to the socket and still awaiting a reply.",
	})

	// CDPEventsDropped counts events that arrived for a session nobody listens to.
	CDPEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "cdp",
		Name:      "events_dropped_total",
		Help:      "Events received for sessions without a subscriber.",
	})

	// CapturesTotal counts finished captures by outcome (ok, failed).
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "captures_total",
		Help:      "Finished captures by outcome.",
	}, []string{"outcome"})

	// CaptureDuration observes wall time of a whole capture.
	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "capture_duration_seconds",
		Help:      "Wall time of a single capture from open to assembled result.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60, 120},
	})

	// ActiveSessions tracks open browser sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_active",
		Help:      "Browser sessions currently open.",
	})
)

// ServeMetrics exposes the default registry on addr until ctx is done.
// It returns once the listener is bound so callers see bind errors synchronously.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Serving metrics.", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped.", zap.Error(err))
		}
	}()
	return nil
}
