// Package metrics wraps the statsd client the teacher's consensus package
// left as a TODO ("Track metrics for: number of rejected requests, ...")
// alongside a prometheus registry, and hands out small Timer/Counter helpers
// to the rest of the cluster core.
package metrics

import (
	"time"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the metrics surface every component depends on. A nil-safe Noop
// implementation is provided for tests that don't care about metrics.
type Sink struct {
	statter statsd.Statter

	AcquireLatency   *prometheus.HistogramVec
	EnqueueWait      *prometheus.HistogramVec
	HeartbeatRTT     prometheus.Histogram
	ViewChanges      prometheus.Counter
	Remasters        prometheus.Counter
	DeadlocksBroken  prometheus.Counter
	RecoveryDuration prometheus.Histogram
}

// New builds a Sink backed by a real statsd client (fire-and-forget UDP) and
// registers prometheus collectors against reg. If reg is nil, a fresh
// registry is created.
func New(statsdAddr, prefix string, reg *prometheus.Registry) (*Sink, error) {
	var statter statsd.Statter
	var err error
	if statsdAddr == "" {
		statter = statsd.NoopClient{}
	} else {
		statter, err = statsd.NewClientWithConfig(&statsd.ClientConfig{
			Address: statsdAddr,
			Prefix:  prefix,
		})
		if err != nil {
			return nil, err
		}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Sink{
		statter: statter,
		AcquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "racdb",
			Subsystem: "gcs",
			Name:      "acquire_latency_seconds",
			Help:      "Latency of GCS acquire() by where the block's master is (local-master, remote-master).",
		}, []string{"source"}),
		EnqueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "racdb",
			Subsystem: "ges",
			Name:      "enqueue_wait_seconds",
			Help:      "Time a GES enqueue() spent waiting before grant/timeout/deadlock.",
		}, []string{"outcome"}),
		HeartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "racdb",
			Subsystem: "interconnect",
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round trip time of heartbeat probes between peers.",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "racdb",
			Subsystem: "interconnect",
			Name:      "view_changes_total",
			Help:      "Number of committed view changes.",
		}),
		Remasters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "racdb",
			Subsystem: "grd",
			Name:      "remasters_total",
			Help:      "Number of resources remastered due to affinity skew or view change.",
		}),
		DeadlocksBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "racdb",
			Subsystem: "ges",
			Name:      "deadlocks_broken_total",
			Help:      "Number of waits-for cycles broken by the deadlock detector.",
		}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "racdb",
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a single instance recovery.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.AcquireLatency, s.EnqueueWait, s.HeartbeatRTT,
		s.ViewChanges, s.Remasters, s.DeadlocksBroken, s.RecoveryDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Noop returns a Sink that discards everything; used by tests.
func Noop() *Sink {
	s, _ := New("", "racdb-test", prometheus.NewRegistry())
	return s
}

// TimeSince emits a statsd timing in milliseconds for name.
func (s *Sink) TimeSince(name string, start time.Time) {
	if s == nil {
		return
	}
	_ = s.statter.TimingDuration(name, time.Since(start), 1.0)
}

// Inc emits a statsd counter increment of 1 for name.
func (s *Sink) Inc(name string) {
	if s == nil {
		return
	}
	_ = s.statter.Inc(name, 1, 1.0)
}

// Gauge emits a statsd gauge value for name.
func (s *Sink) Gauge(name string, value int64) {
	if s == nil {
		return
	}
	_ = s.statter.Gauge(name, value, 1.0)
}
