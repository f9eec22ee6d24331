package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazcod/zonesigner"
)

// Signing metrics. They live in their own package so the engine does not
// depend on prometheus; Recorder adapts them to the engine's hooks.

var (
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonesigner_cycles_total",
		Help: "Signing cycles by outcome (noop, applied, failed, conflict)",
	}, []string{"result"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonesigner_cycle_duration_seconds",
		Help:    "Duration of a signing cycle",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	SignaturesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonesigner_signatures_total",
		Help: "RRSIGs produced",
	})

	SerialBumpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonesigner_serial_bumps_total",
		Help: "Signed versions committed, one SOA serial increment each",
	})

	ZoneStale = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zonesigner_zone_stale",
		Help: "1 while the last cycle of the zone failed and an older version is served",
	}, []string{"zone"})

	NextWake = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zonesigner_next_wake_timestamp_seconds",
		Help: "Unix time of the next scheduled evaluation of the zone",
	}, []string{"zone"})
)

// Register registers the signing metrics on reg (or the default registerer
// if nil). hashHits, when set, is exported as the NSEC3 hash cache hit
// counter.
func Register(reg prometheus.Registerer, hashHits func() uint64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{CyclesTotal, CycleDuration, SignaturesTotal, SerialBumpsTotal, ZoneStale, NextWake}
	if hashHits != nil {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zonesigner_nsec3_hash_cache_hits_total",
			Help: "NSEC3 owner hashes served from the cache",
		}, func() float64 { return float64(hashHits()) }))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Recorder feeds engine and scheduler events into the collectors.
type Recorder struct{}

func (Recorder) CycleDone(zone string, res *zonesigner.Result, err error, elapsed time.Duration) {
	CycleDuration.Observe(elapsed.Seconds())
	switch {
	case errors.Is(err, zonesigner.ErrConflict):
		CyclesTotal.WithLabelValues("conflict").Inc()
	case err != nil:
		CyclesTotal.WithLabelValues("failed").Inc()
	case res != nil && res.Changed:
		CyclesTotal.WithLabelValues("applied").Inc()
		SerialBumpsTotal.Inc()
		SignaturesTotal.Add(float64(res.Signatures))
	default:
		CyclesTotal.WithLabelValues("noop").Inc()
	}
}

// ZoneStatus is a scheduler status hook.
func (Recorder) ZoneStatus(st zonesigner.Status) {
	stale := 0.0
	if st.Stale {
		stale = 1
	}
	ZoneStale.WithLabelValues(st.Zone).Set(stale)
	if st.NextWake.IsZero() {
		NextWake.DeleteLabelValues(st.Zone)
		return
	}
	NextWake.WithLabelValues(st.Zone).Set(float64(st.NextWake.Unix()))
}
