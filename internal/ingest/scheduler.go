package ingest

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/metgo/valleymet/internal/metrics"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

// Scheduler runs every fetcher against every active station on a fixed
// interval and records each run in the ingest log, which is where the
// quality monitor reads latency from.
type Scheduler struct {
	store    *store.Store
	fetchers []Fetcher
	interval time.Duration
	clock    clockwork.Clock
}

func NewScheduler(st *store.Store, fetchers []Fetcher, interval time.Duration, clock clockwork.Clock) *Scheduler {
	return &Scheduler{store: st, fetchers: fetchers, interval: interval, clock: clock}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf("ingest: scheduler started, interval %s, %d fetchers", s.interval, len(s.fetchers))

	for {
		select {
		case <-ctx.Done():
			log.Printf("ingest: scheduler stopped: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.Chan():
			s.RunOnce(ctx)
		}
	}
}

// RunOnce fetches the trailing day for every (fetcher, station) pair.
// Duplicate observations are expected on overlapping windows and are not
// errors.
func (s *Scheduler) RunOnce(ctx context.Context) {
	stations, err := s.store.ActiveStations()
	if err != nil {
		log.Printf("ingest: load stations: %v", err)
		return
	}
	now := s.clock.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	for _, f := range s.fetchers {
		for _, station := range stations {
			if ctx.Err() != nil {
				return
			}
			s.fetchStation(ctx, f, station, from, to)
		}
	}
}

func (s *Scheduler) fetchStation(ctx context.Context, f Fetcher, station models.Station, from, to time.Time) {
	run := store.IngestRun{
		Fetcher:   f.Name(),
		StationID: sql.NullString{String: station.StationID, Valid: true},
		StartedAt: s.clock.Now().UTC(),
	}

	obs, latency, err := f.Fetch(ctx, station, from, to)
	run.LatencySeconds = sql.NullFloat64{Float64: latency, Valid: latency > 0}
	if err != nil {
		log.Printf("ingest: %s fetch %s: %v", f.Name(), station.StationID, err)
		if logErr := s.store.InsertIngestRun(run); logErr != nil {
			log.Printf("ingest: record run: %v", logErr)
		}
		return
	}
	metrics.FetchLatency.WithLabelValues(f.Name()).Observe(latency)

	inserted := 0
	for _, o := range obs {
		switch err := s.store.InsertObservation(o); {
		case err == nil:
			inserted++
			metrics.ObservationsIngested.WithLabelValues(o.StationID, f.Name()).Inc()
		case errors.Is(err, models.ErrDuplicateObservation):
			// overlapping windows re-fetch known rows
		case errors.Is(err, models.ErrInvalidObservation):
			log.Printf("ingest: %s %s: %v", f.Name(), station.StationID, err)
		default:
			log.Printf("ingest: %s insert: %v", f.Name(), err)
		}
	}

	run.OK = true
	run.RecordsFetched = sql.NullInt64{Int64: int64(len(obs)), Valid: true}
	if err := s.store.InsertIngestRun(run); err != nil {
		log.Printf("ingest: record run: %v", err)
	}
	if inserted > 0 {
		log.Printf("ingest: %s %s: %d new of %d fetched", f.Name(), station.StationID, inserted, len(obs))
	}
}
