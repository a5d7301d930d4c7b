package quality

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/dispatch"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

type fakeProbe struct {
	name string
	up   bool
}

func (p fakeProbe) Name() string                   { return p.name }
func (p fakeProbe) Available(context.Context) bool { return p.up }

type captureSink struct {
	alerts []models.Alert
}

func (s *captureSink) Dispatch(ctx context.Context, alerts []models.Alert) (*dispatch.Report, error) {
	s.alerts = append(s.alerts, alerts...)
	return &dispatch.Report{}, nil
}

func testMonitorConfig() config.Monitor {
	return config.Monitor{
		CyclePeriod:           5 * time.Minute,
		QualityMinPercent:     80,
		MissingThreshold:      5,
		LatencyMax:            30 * time.Second,
		SourceMinRatio:        0.95,
		ErrorsMaxPerHour:      10,
		MaxWindowRecords:      1000,
		SnapshotRetentionDays: 30,
		AlertRetentionDays:    7,
		ProbeTimeout:          time.Second,
	}
}

func setupMonitor(t *testing.T, probes []Probe) (*Monitor, *store.Store, *captureSink, *clockwork.FakeClock) {
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
	sink := &captureSink{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	m := New(st, sink, probes, testMonitorConfig(), config.Thresholds{
		FrostCritical: -2, FrostForecast: 2, FrostWarning: 5,
		HeatExtreme: 35, PrecipIntense: 20, WindStrong: 25,
		HumidityLow: 30, HumidityHigh: 85, PressureDrop: 1000,
		TempJump: 10, TempJumpWindow: time.Hour,
	}, 30*time.Minute, clock)
	return m, st, sink, clock
}

func nf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func seedClean(t *testing.T, st *store.Store, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.InsertObservation(models.Observation{
			StationID:     "quillota_centro",
			ObservedAt:    base.Add(time.Duration(i) * time.Hour),
			TempMean:      nf(18),
			RelHumidity:   nf(60),
			Precipitation: nf(0),
		})
		if err != nil {
			t.Fatalf("seed observation %d: %v", i, err)
		}
	}
}

func TestCleanCycle(t *testing.T) {
	probes := []Probe{fakeProbe{"openmeteo", true}, fakeProbe{"agromet", true}}
	m, st, sink, clock := setupMonitor(t, probes)
	seedClean(t, st, 20, clock.Now().Add(-20*time.Hour))

	snap, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.TotalRecords != 20 || snap.ValidRecords != 20 || snap.ErrorRecords != 0 {
		t.Fatalf("counts = %d/%d/%d", snap.TotalRecords, snap.ValidRecords, snap.ErrorRecords)
	}
	if snap.QualityPercent != 100 {
		t.Fatalf("quality = %.1f, want 100", snap.QualityPercent)
	}
	if snap.MissingCriticalCount != 0 || snap.OutlierCount != 0 {
		t.Fatalf("missing/outliers = %d/%d", snap.MissingCriticalCount, snap.OutlierCount)
	}
	if len(sink.alerts) != 0 {
		t.Fatalf("alerts = %v, want none", sink.alerts)
	}

	// snapshot must be on disk
	snaps, err := st.Snapshots(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("persisted snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].ValidRecords+snaps[0].ErrorRecords != snaps[0].TotalRecords {
		t.Fatalf("snapshot count invariant broken: %+v", snaps[0])
	}
}

func TestQualityLowCycle(t *testing.T) {
	m, st, sink, clock := setupMonitor(t, []Probe{fakeProbe{"openmeteo", true}})
	base := clock.Now().Add(-23 * time.Hour)
	for i := 0; i < 100; i++ {
		obs := models.Observation{
			StationID:     "la_cruz",
			ObservedAt:    base.Add(time.Duration(i) * 10 * time.Minute),
			TempMean:      nf(15),
			Precipitation: nf(0),
		}
		if i >= 40 {
			obs.RelHumidity = nf(55)
		}
		if err := st.InsertObservation(obs); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	snap, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.ValidRecords != 60 || snap.QualityPercent != 60 {
		t.Fatalf("valid/quality = %d/%.1f, want 60/60.0", snap.ValidRecords, snap.QualityPercent)
	}
	if snap.MissingCriticalCount != 40 {
		t.Fatalf("missing = %d, want 40", snap.MissingCriticalCount)
	}

	kinds := map[models.AlertKind]models.Severity{}
	for _, a := range sink.alerts {
		kinds[a.Kind] = a.Severity
	}
	if sev, ok := kinds[models.KindQualityLow]; !ok || sev != models.SeverityCritical {
		t.Fatalf("missing critical quality_low alert, got %v", kinds)
	}
	if _, ok := kinds[models.KindMissingFieldsExcessive]; !ok {
		t.Fatalf("missing missing_fields_excessive alert, got %v", kinds)
	}
	if _, ok := kinds[models.KindQualityErrorSpike]; !ok {
		t.Fatalf("missing quality_error_spike alert (40 errors), got %v", kinds)
	}
}

func TestEmptyWindow(t *testing.T) {
	probes := []Probe{fakeProbe{"openmeteo", true}}
	m, st, sink, clock := setupMonitor(t, probes)

	snap, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if snap.TotalRecords != 0 || snap.QualityPercent != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if up, ok := snap.SourceAvailability["openmeteo"]; !ok || up {
		t.Fatalf("availability = %v, want all false", snap.SourceAvailability)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Kind != models.KindSourceUnavailable {
		t.Fatalf("alerts = %v, want one source_unavailable", sink.alerts)
	}
	if sink.alerts[0].Severity != models.SeverityCritical {
		t.Fatalf("severity = %v, want critical", sink.alerts[0].Severity)
	}

	// an immediate second cycle stays quiet while the cooldown holds
	if err := st.InsertAlert(sink.alerts[0]); err != nil {
		t.Fatalf("log alert: %v", err)
	}
	sink.alerts = nil
	clock.Advance(5 * time.Minute)
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(sink.alerts) != 0 {
		t.Fatalf("alerts during cooldown = %v, want none", sink.alerts)
	}

	// once the cooldown lapses it fires again
	clock.Advance(30 * time.Minute)
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts after cooldown = %v, want one", sink.alerts)
	}
}

func TestOutlierAndLatency(t *testing.T) {
	m, st, _, clock := setupMonitor(t, nil)
	base := clock.Now().Add(-2 * time.Hour)

	obs := models.Observation{
		StationID:     "hijuelas",
		ObservedAt:    base,
		TempMean:      nf(44.5),
		RelHumidity:   nf(99),
		Precipitation: nf(250),
		WindSpeed:     nf(120),
	}
	if err := st.InsertObservation(obs); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.InsertIngestRun(store.IngestRun{
		Fetcher:        "openmeteo",
		StartedAt:      base,
		LatencySeconds: nf(45),
		OK:             true,
	}); err != nil {
		t.Fatalf("seed ingest run: %v", err)
	}

	snap, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// precipitation and wind breach their plausibility ranges
	if snap.OutlierCount != 2 {
		t.Fatalf("outliers = %d, want 2", snap.OutlierCount)
	}
	if !snap.MeanLatencySeconds.Valid || snap.MeanLatencySeconds.Float64 != 45 {
		t.Fatalf("latency = %+v, want 45s", snap.MeanLatencySeconds)
	}
}

func TestMeteorologicalAlertsFlow(t *testing.T) {
	m, st, sink, clock := setupMonitor(t, []Probe{fakeProbe{"openmeteo", true}})
	if err := st.InsertObservation(models.Observation{
		StationID:     "olmue",
		ObservedAt:    clock.Now().Add(-10 * time.Minute),
		TempMean:      nf(1),
		TempMin:       nf(-4),
		RelHumidity:   nf(70),
		Precipitation: nf(0),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	found := false
	for _, a := range sink.alerts {
		if a.Kind == models.KindFrostCritical && a.StationID.String == "olmue" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no frost_critical for olmue in %v", sink.alerts)
	}
}

func TestRetentionSweep(t *testing.T) {
	m, st, _, clock := setupMonitor(t, nil)
	old := clock.Now().AddDate(0, 0, -40)
	if err := st.InsertSnapshot(models.QualitySnapshot{Timestamp: old}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := st.InsertAlert(models.Alert{
		ID: models.NewAlertID(), Timestamp: clock.Now().AddDate(0, 0, -10),
		Kind: models.KindHeatExtreme, Severity: models.SeverityWarning,
	}); err != nil {
		t.Fatalf("seed alert: %v", err)
	}

	m.sweepRetention()

	snaps, _ := st.Snapshots(old.Add(-time.Hour), clock.Now())
	if len(snaps) != 0 {
		t.Fatalf("expired snapshot survived: %v", snaps)
	}
	alerts, _ := st.Alerts(clock.Now().AddDate(0, 0, -30), clock.Now(), "", 0)
	if len(alerts) != 0 {
		t.Fatalf("expired alert survived: %v", alerts)
	}
}
