package httpapi

import (
	"net/http"
	"time"

	"github.com/quentinglorieux/Temperature/internal/metrics"
	"github.com/quentinglorieux/Temperature/internal/names"
)

type Deps struct {
	Status    Status
	Cache     cacheReader
	Waiter    Waiter
	Names     names.Map
	Staleness time.Duration
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, d.Status, d.Cache)
	mux.Handle("GET /metrics", d.Metrics.Handler())
	if d.Cache != nil {
		NewSensorsController(d.Cache, d.Waiter, d.Names, d.Staleness, d.Now).RegisterRoutes(mux, d.Metrics.WrapHandler)
	}
	return mux
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(h),
		ReadHeaderTimeout: 5 * time.Second,
		// Leaves room for /sensors/{mac}?wait=.
		WriteTimeout: maxWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
