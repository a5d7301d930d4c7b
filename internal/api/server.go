// Package api exposes the read-only HTTP surface: latest observations,
// quality snapshots, the alert log, and on-demand forecasts.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metgo/valleymet/internal/forecast"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

type Server struct {
	store      *store.Store
	forecaster *forecast.Server
	addr       string
}

func NewServer(st *store.Store, forecaster *forecast.Server, addr string) *Server {
	return &Server{store: st, forecaster: forecaster, addr: addr}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stations", s.handleStations).Methods(http.MethodGet)
	api.HandleFunc("/observations/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/observations", s.handleObservations).Methods(http.MethodGet)
	api.HandleFunc("/quality/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/forecast/{variable}", s.handleForecast).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks until ctx is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ActiveStations(); err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrModelNotAvailable):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
