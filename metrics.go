package valveautomation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.viam.com/rdk/logging"
)

type sessionMetrics struct {
	sessions *prometheus.CounterVec
	polls    prometheus.Counter
	commands *prometheus.CounterVec
	duration prometheus.Histogram
	running  prometheus.Gauge
}

func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "valve_automation_sessions_total",
		Help: "Automation sessions by final state.",
	}, []string{"state"})
	polls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valve_automation_polls_total",
		Help: "Capacitance polls performed across all sessions.",
	})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "valve_automation_commands_total",
		Help: "Valve commands written to the valve controller.",
	}, []string{"kind"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "valve_automation_session_duration_seconds",
		Help:    "Wall time from valve open to session end.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "valve_automation_session_running",
		Help: "1 while a session is in flight.",
	})

	m := &sessionMetrics{}
	var err error
	if m.sessions, err = registerOrReuse(reg, sessions); err != nil {
		return nil, err
	}
	if m.polls, err = registerOrReuse(reg, polls); err != nil {
		return nil, err
	}
	if m.commands, err = registerOrReuse(reg, commands); err != nil {
		return nil, err
	}
	if m.duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, err
	}
	if m.running, err = registerOrReuse(reg, running); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse returns the collector already registered under the same
// descriptor, so a rebuilt resource keeps counting into the same series.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *sessionMetrics) sessionStarted() {
	m.running.Set(1)
}

func (m *sessionMetrics) observe(res SessionResult) {
	m.running.Set(0)
	m.sessions.WithLabelValues(res.State.String()).Inc()
	m.polls.Add(float64(res.Polls))
	for _, c := range res.Commands {
		m.commands.WithLabelValues(c.Kind.String()).Inc()
	}
	m.duration.Observe(res.Elapsed.Seconds())
}

// metricsServer serves /metrics for the default gatherer.
type metricsServer struct {
	srv *http.Server
}

func startMetricsServer(addr string, gatherer prometheus.Gatherer, logger logging.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server on %s: %v", addr, err)
		}
	}()
	logger.Infof("serving metrics on %s/metrics", addr)
	return &metricsServer{srv: srv}
}

func (s *metricsServer) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
