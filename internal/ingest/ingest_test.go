package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

func testStation() models.Station {
	return models.Station{
		StationID: "quillota_centro",
		Name:      "Quillota Centro",
		Latitude:  -32.8833,
		Longitude: -71.25,
		Elevation: 120,
		Active:    true,
	}
}

func TestOpenMeteoFetch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"hourly":{
			"time":["2026-07-15T00:00","2026-07-15T01:00","2026-07-15T02:00"],
			"temperature_2m":[11.2,10.8,null],
			"relative_humidity_2m":[78,80,81],
			"precipitation":[0,0.2,0],
			"wind_speed_10m":[5,6,7],
			"wind_direction_10m":[180,190,200],
			"surface_pressure":[1013,1012.5,1012],
			"cloud_cover":[20,35,50],
			"shortwave_radiation":[0,0,0]}}`)
	}))
	defer srv.Close()

	om := NewOpenMeteo(srv.URL)
	from := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	obs, latency, err := om.Fetch(context.Background(), testStation(), from, from.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/v1/forecast" {
		t.Fatalf("path = %q", gotPath)
	}
	if latency <= 0 {
		t.Fatalf("latency = %v, want > 0", latency)
	}
	if len(obs) != 3 {
		t.Fatalf("observations = %d, want 3", len(obs))
	}
	if obs[0].TempMean.Float64 != 11.2 || !obs[0].TempMean.Valid {
		t.Fatalf("temp[0] = %+v", obs[0].TempMean)
	}
	if obs[2].TempMean.Valid {
		t.Fatalf("null cell parsed as value: %+v", obs[2].TempMean)
	}
	if obs[1].Precipitation.Float64 != 0.2 {
		t.Fatalf("precip[1] = %+v", obs[1].Precipitation)
	}
	if obs[0].Source != "openmeteo" || obs[0].StationID != "quillota_centro" {
		t.Fatalf("metadata = %q/%q", obs[0].Source, obs[0].StationID)
	}
}

func TestOpenMeteoPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad coordinates", http.StatusBadRequest)
	}))
	defer srv.Close()

	om := NewOpenMeteo(srv.URL)
	start := time.Now()
	_, _, err := om.Fetch(context.Background(), testStation(), time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error on 400")
	}
	// a 4xx must not burn the whole retry budget
	if time.Since(start) > 10*time.Second {
		t.Fatalf("client retried a permanent failure")
	}
}

func TestOpenMeteoRetriesServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"hourly":{"time":[],"temperature_2m":[]}}`)
	}))
	defer srv.Close()

	om := NewOpenMeteo(srv.URL)
	_, _, err := om.Fetch(context.Background(), testStation(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Fetch after retry: %v", err)
	}
	if calls < 2 {
		t.Fatalf("calls = %d, want a retry", calls)
	}
}

func TestParseAgrometCSV(t *testing.T) {
	body := []byte("timestamp,temp_mean,temp_max,temp_min,humidity,precip,wind_speed,wind_direction,pressure\n" +
		"2026-07-15T06:00:00Z,4.5,12.0,1.0,88,0.0,3.2,145,1018\n" +
		"2026-07-15T07:00:00Z,5.1,,2.0,,0.0,4.0,150,1018.5\n" +
		"not-a-time,1,2,3,4,5,6,7,8\n")

	from := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	obs, err := parseAgrometCSV(body, "la_cruz", from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("rows = %d, want 2", len(obs))
	}
	if obs[0].TempMean.Float64 != 4.5 || obs[0].RelHumidity.Float64 != 88 {
		t.Fatalf("row 0 = %+v", obs[0])
	}
	if obs[1].TempMax.Valid || obs[1].RelHumidity.Valid {
		t.Fatalf("empty cells should be null: %+v", obs[1])
	}
	if obs[1].Source != "agromet" {
		t.Fatalf("source = %q", obs[1].Source)
	}
}

type scriptedFetcher struct {
	name string
	obs  []models.Observation
	err  error
}

func (f *scriptedFetcher) Name() string                   { return f.name }
func (f *scriptedFetcher) Available(context.Context) bool { return f.err == nil }
func (f *scriptedFetcher) Fetch(ctx context.Context, station models.Station, from, to time.Time) ([]models.Observation, float64, error) {
	return f.obs, 1.5, f.err
}

func setupScheduler(t *testing.T, fetchers []Fetcher) (*Scheduler, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := st.UpsertStation(testStation()); err != nil {
		t.Fatalf("seed station: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	return NewScheduler(st, fetchers, time.Hour, clock), st, clock
}

func TestSchedulerRunOnce(t *testing.T) {
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	f := &scriptedFetcher{name: "openmeteo", obs: []models.Observation{
		{
			StationID:     "quillota_centro",
			ObservedAt:    now.Add(-2 * time.Hour),
			TempMean:      sql.NullFloat64{Float64: 12, Valid: true},
			RelHumidity:   sql.NullFloat64{Float64: 70, Valid: true},
			Precipitation: sql.NullFloat64{Float64: 0, Valid: true},
			Source:        "openmeteo",
		},
	}}
	s, st, clock := setupScheduler(t, []Fetcher{f})

	s.RunOnce(context.Background())

	obs, err := st.Observations(now.Add(-24*time.Hour), now, "", 0)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("stored = %d, want 1", len(obs))
	}

	// a second run re-fetches the same rows without error or duplication
	clock.Advance(time.Hour)
	s.RunOnce(context.Background())
	obs, _ = st.Observations(now.Add(-24*time.Hour), clock.Now(), "", 0)
	if len(obs) != 1 {
		t.Fatalf("after rerun stored = %d, want 1", len(obs))
	}

	latency, err := st.MeanLatencySince(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("MeanLatencySince: %v", err)
	}
	if !latency.Valid || latency.Float64 != 1.5 {
		t.Fatalf("latency = %+v, want 1.5", latency)
	}
}

func TestSchedulerLogsFailedRun(t *testing.T) {
	f := &scriptedFetcher{name: "agromet", err: fmt.Errorf("connection refused")}
	s, st, clock := setupScheduler(t, []Fetcher{f})

	s.RunOnce(context.Background())

	// failed runs never contribute to mean latency
	latency, err := st.MeanLatencySince(clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("MeanLatencySince: %v", err)
	}
	if latency.Valid {
		t.Fatalf("latency = %+v, want null", latency)
	}
}
