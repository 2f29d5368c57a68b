package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/names"
)

const maxWait = time.Minute

type cacheReader interface {
	Get(mac string) (cache.Entry, bool)
	Active(now time.Time, window time.Duration) []cache.Entry
	Len() int
}

// Waiter blocks until the next reading for mac is cached.
type Waiter interface {
	WaitFor(ctx context.Context, mac string) (cache.Entry, error)
}

// SensorView is the JSON form of one cached reading.
type SensorView struct {
	MAC        string    `json:"mac"`
	Name       string    `json:"name,omitempty"`
	TempC      *float64  `json:"tempc,omitempty"`
	Hum        *int      `json:"hum,omitempty"`
	Batt       *int      `json:"batt,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	AgeSeconds float64   `json:"age_seconds"`
}

type sensorsController interface {
	RegisterRoutes(mux *http.ServeMux, wrap func(route string, h http.Handler) http.Handler)
	handleList(w http.ResponseWriter, r *http.Request)
	handleGet(w http.ResponseWriter, r *http.Request)
}

type sensorsControllerImpl struct {
	cache     cacheReader
	waiter    Waiter
	names     names.Map
	staleness time.Duration
	now       func() time.Time
}

func NewSensorsController(c cacheReader, waiter Waiter, n names.Map, staleness time.Duration, now func() time.Time) sensorsController {
	if now == nil {
		now = time.Now
	}
	return &sensorsControllerImpl{cache: c, waiter: waiter, names: n, staleness: staleness, now: now}
}

func (c *sensorsControllerImpl) RegisterRoutes(mux *http.ServeMux, wrap func(route string, h http.Handler) http.Handler) {
	mux.Handle("GET /sensors", wrap("/sensors", http.HandlerFunc(c.handleList)))
	mux.Handle("GET /sensors/{mac}", wrap("/sensors/{mac}", http.HandlerFunc(c.handleGet)))
}

func (c *sensorsControllerImpl) handleList(w http.ResponseWriter, r *http.Request) {
	now := c.now()
	active := c.cache.Active(now, c.staleness)
	out := make([]SensorView, 0, len(active))
	for _, e := range active {
		out = append(out, c.view(e, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGet returns the fresh reading for {mac}. With ?wait=<duration> it
// blocks for the next advertisement when nothing fresh is cached.
func (c *sensorsControllerImpl) handleGet(w http.ResponseWriter, r *http.Request) {
	mac := strings.TrimSpace(r.PathValue("mac"))
	if mac == "" {
		writeError(w, http.StatusBadRequest, "missing sensor mac")
		return
	}
	wait, err := parseWait(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := c.now()
	if e, ok := c.cache.Get(mac); ok && now.Sub(e.ObservedAt) <= c.staleness {
		writeJSON(w, http.StatusOK, c.view(e, now))
		return
	}
	if wait == 0 || c.waiter == nil {
		writeError(w, http.StatusNotFound, "no fresh reading for "+mac)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	e, err := c.waiter.WaitFor(ctx, mac)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusNotFound, "no reading for "+mac+" within "+wait.String())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.view(e, c.now()))
}

func (c *sensorsControllerImpl) view(e cache.Entry, now time.Time) SensorView {
	return SensorView{
		MAC:        e.MAC,
		Name:       c.names.Lookup(e.MAC),
		TempC:      e.Reading.TempC,
		Hum:        e.Reading.Hum,
		Batt:       e.Reading.Batt,
		ObservedAt: e.ObservedAt,
		AgeSeconds: now.Sub(e.ObservedAt).Seconds(),
	}
}

func parseWait(r *http.Request) (time.Duration, error) {
	s := strings.TrimSpace(r.URL.Query().Get("wait"))
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", s)
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}
