package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/presence"
	"github.com/matst80/couloir/internal/relay"
	"github.com/matst80/couloir/internal/web"
)

// startMetricsServer serves Prometheus metrics plus lightweight dashboard &
// state endpoints. dir is nil when the Redis directory is disabled.
func startMetricsServer(addr string, registry *relay.Registry, dir *presence.Directory, ready, closing *atomic.Bool) {
	mux := http.NewServeMux()
	mux.Handle("/couloir/metrics", promhttp.Handler())
	mux.HandleFunc("/couloir/api/state", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			relay.Stats
			DirectoryTotal int `json:"directory_total,omitempty"`
		}{Stats: registry.Stats()}
		if dir != nil {
			if n, err := dir.Count(r.Context()); err == nil {
				resp.DirectoryTotal = n
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/couloir/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := registry.Stats()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := web.Render(w, "dashboard", map[string]any{
			"Couloirs":       st.Couloirs,
			"IdleExposers":   st.IdleExposers,
			"PendingClients": st.PendingClients,
			"ActivePairs":    st.ActivePairs,
			"PairedTotal":    st.PairedTotal,
			"Timeouts":       st.Timeouts,
		})
		if err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if closing.Load() || !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
