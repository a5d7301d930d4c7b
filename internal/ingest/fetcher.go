// Package ingest pulls observations from the configured weather providers
// and appends them to the observation store.
package ingest

import (
	"context"
	"time"

	"github.com/metgo/valleymet/internal/models"
)

// Fetcher is one weather provider. Fetch returns the observations inside
// the window plus the request latency in seconds; Available doubles as the
// quality monitor's health probe.
type Fetcher interface {
	Name() string
	Available(ctx context.Context) bool
	Fetch(ctx context.Context, station models.Station, from, to time.Time) ([]models.Observation, float64, error)
}
