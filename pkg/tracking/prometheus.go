package tracking

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/jguan/vitune/pkg/infra/eventbus"
	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/store"
)

// PrometheusSink exposes the latest value of every logged metric as a gauge.
type PrometheusSink struct {
	registry      *prometheus.Registry
	values        *prometheus.GaugeVec
	step          *prometheus.GaugeVec
	records       *prometheus.CounterVec
	artifactBytes prometheus.Counter
}

func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vitune", Subsystem: "train", Name: "value",
			Help: "Latest value of a logged training metric",
		}, []string{"run_id", "key"}),
		step: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vitune", Subsystem: "train", Name: "step",
			Help: "Step of the latest logged record",
		}, []string{"run_id"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitune", Subsystem: "tracking", Name: "events_total",
			Help: "Tracking events handled by type",
		}, []string{"type"}),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitune", Subsystem: "tracking", Name: "artifact_bytes_total",
			Help: "Bytes of artifacts saved",
		}),
	}
	s.registry.MustRegister(s.Collectors()...)
	return s
}

// Collectors returns every collector owned by the sink.
func (s *PrometheusSink) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.values, s.step, s.records, s.artifactBytes}
}

func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusSink) Handle(e eventbus.Event) error {
	s.records.WithLabelValues(e.Type()).Inc()

	switch p := e.Payload().(type) {
	case Record:
		for k, v := range p.Values {
			s.values.WithLabelValues(e.RunID(), k).Set(v)
		}
		s.step.WithLabelValues(e.RunID()).Set(float64(p.Step))
	case store.Artifact:
		s.artifactBytes.Add(float64(p.Size))
	}
	return nil
}

// Value reads the current gauge for key.
func (s *PrometheusSink) Value(runID, key string) (float64, bool) {
	g, err := s.values.GetMetricWithLabelValues(runID, key)
	if err != nil {
		return 0, false
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0, false
	}
	return m.GetGauge().GetValue(), true
}

func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (s *PrometheusSink) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving training metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
