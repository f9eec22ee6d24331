// Package httpapi is the admin HTTP surface of the daemon: zone status,
// forced resync and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/observability/logger"
)

// Zones is the scheduler view the API serves.
type Zones interface {
	Statuses() []zonesigner.Status
	Status(zone string) (zonesigner.Status, bool)
	ForceResync(zone string) error
}

type zoneDetail struct {
	zonesigner.Status
	Generation     uint64     `json:"generation,omitempty"`
	Denial         string     `json:"denial,omitempty"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
	EarliestExpiry *time.Time `json:"earliest_expiry,omitempty"`
	RRsets         int        `json:"rrsets,omitempty"`
}

type api struct {
	zones   Zones
	applier zonesigner.Applier
	now     func() time.Time
}

// NewRouter builds the admin routes. applier may be nil, in which case zone
// details carry scheduler state only.
func NewRouter(zones Zones, applier zonesigner.Applier, gatherer prometheus.Gatherer) http.Handler {
	a := &api{zones: zones, applier: applier, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/zones", func(r chi.Router) {
		r.Get("/", a.listZones)
		r.Get("/{zone}", a.getZone)
		r.Post("/{zone}/resync", a.resync)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (a *api) listZones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.zones.Statuses())
}

func (a *api) getZone(w http.ResponseWriter, r *http.Request) {
	zone := chi.URLParam(r, "zone")
	st, ok := a.zones.Status(zone)
	if !ok {
		writeError(w, http.StatusNotFound, "zone not managed")
		return
	}
	detail := zoneDetail{Status: st}
	if a.applier != nil {
		z, err := a.applier.Current(r.Context(), st.Zone)
		if err != nil {
			logger.From(r.Context()).Warn("reading signed version", logger.Zone(st.Zone), logger.Err(err))
		}
		if z != nil {
			detail.Generation = z.Generation
			detail.Denial = z.Denial.Mode.String()
			detail.RRsets = len(z.RRSets())
			signedAt := z.SignedAt
			detail.SignedAt = &signedAt
			if exp, ok := z.EarliestExpiry(a.now()); ok {
				detail.EarliestExpiry = &exp
			}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) resync(w http.ResponseWriter, r *http.Request) {
	zone := chi.URLParam(r, "zone")
	if err := a.zones.ForceResync(zone); err != nil {
		if errors.Is(err, zonesigner.ErrZoneNotFound) {
			writeError(w, http.StatusNotFound, "zone not managed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.From(r.Context()).Info("resync requested", logger.Zone(zone))
	writeJSON(w, http.StatusAccepted, map[string]string{"zone": zone, "status": "scheduled"})
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		log := logger.L().With(logger.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), log)))
		log.Debug("http request",
			logger.Method(r.Method), logger.Path(r.URL.Path),
			logger.Status(ww.Status()), logger.Duration(time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
