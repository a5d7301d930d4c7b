package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

// fakeChannel records sends and fails according to a script.
type fakeChannel struct {
	name  models.Channel
	sends []string
	errs  []error
	calls int
}

func (f *fakeChannel) Name() models.Channel    { return f.name }
func (f *fakeChannel) Validate(string) bool    { return true }
func (f *fakeChannel) Send(ctx context.Context, dest, subject, body string) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sends = append(f.sends, dest)
	return nil
}

func testRecipient() models.Recipient {
	kinds := make(map[models.AlertKind]bool)
	for _, k := range models.AllAlertKinds {
		kinds[k] = true
	}
	return models.Recipient{
		ID:              "grower-1",
		DisplayName:     "Grower",
		Email:           sql.NullString{String: "grower@example.com", Valid: true},
		Phone:           sql.NullString{String: "+56912345678", Valid: true},
		Channels:        []models.Channel{models.ChannelEmail, models.ChannelSMS},
		SubscribedKinds: kinds,
		MinSeverity:     map[models.AlertKind]models.Severity{},
		Active:          true,
	}
}

func testAlert(kind models.AlertKind, sev models.Severity, at time.Time) models.Alert {
	return models.Alert{
		ID:        models.NewAlertID(),
		Timestamp: at,
		Kind:      kind,
		Severity:  sev,
		Message:   "test alert",
	}
}

func setup(t *testing.T, cfg config.Dispatch, channels []*fakeChannel) (*Dispatcher, *store.Store, *clockwork.FakeClock) {
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
	if err := st.UpsertRecipient(testRecipient()); err != nil {
		t.Fatalf("seed recipient: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC))
	d := New(st, NewMemoryWindow(), nil, cfg, clock)
	for _, ch := range channels {
		d.channels[ch.name] = ch
	}
	d.SetRetryBase(0)
	return d, st, clock
}

func defaultDispatchConfig() config.Dispatch {
	return config.Dispatch{
		MaxAlertsPerHour:  5,
		Cooldown:          30 * time.Minute,
		MaxChannelRetries: 2,
		ChannelTimeout:    time.Second,
		ActiveHourStart:   6,
		ActiveHourEnd:     22,
	}
}

func TestDispatchSendsOnce(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail}
	d, st, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email})

	report, err := d.Dispatch(context.Background(),
		[]models.Alert{testAlert(models.KindFrostCritical, models.SeverityCritical, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.Sent() != 1 {
		t.Fatalf("sent = %d, want 1", report.Sent())
	}
	if len(email.sends) != 1 || email.sends[0] != "grower@example.com" {
		t.Fatalf("email sends = %v", email.sends)
	}

	recs, err := st.Notifications(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(recs) != 1 || recs[0].Outcome != models.OutcomeSent {
		t.Fatalf("records = %+v", recs)
	}
}

func TestCooldownSuppression(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail}
	d, st, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email})
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, []models.Alert{testAlert(models.KindHeatExtreme, models.SeverityWarning, clock.Now())}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	clock.Advance(10 * time.Minute)
	report, err := d.Dispatch(ctx, []models.Alert{testAlert(models.KindHeatExtreme, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if got := report.PerChannel[models.ChannelEmail].Suppressed; got != 1 {
		t.Fatalf("suppressed = %d, want 1", got)
	}

	recs, _ := st.Notifications(clock.Now().Add(-time.Hour), clock.Now())
	last := recs[len(recs)-1]
	if last.Outcome != models.OutcomeSuppressed || last.Reason.String != models.ReasonCooldown {
		t.Fatalf("last record = %+v", last)
	}

	// past the cooldown the same kind sends again
	clock.Advance(25 * time.Minute)
	report, err = d.Dispatch(ctx, []models.Alert{testAlert(models.KindHeatExtreme, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("third dispatch: %v", err)
	}
	if report.Sent() != 1 {
		t.Fatalf("sent after cooldown = %d, want 1", report.Sent())
	}
}

func TestRateLimit(t *testing.T) {
	cfg := defaultDispatchConfig()
	cfg.MaxAlertsPerHour = 2
	email := &fakeChannel{name: models.ChannelEmail}
	d, st, clock := setup(t, cfg, []*fakeChannel{email})

	kinds := []models.AlertKind{
		models.KindFrostCritical, models.KindHeatExtreme, models.KindWindStrong,
		models.KindHumidityLow, models.KindPressureDrop,
	}
	alerts := make([]models.Alert, len(kinds))
	for i, k := range kinds {
		alerts[i] = testAlert(k, models.SeverityCritical, clock.Now())
	}

	report, err := d.Dispatch(context.Background(), alerts)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	c := report.PerChannel[models.ChannelEmail]
	if c.Sent != 2 || c.Suppressed != 3 {
		t.Fatalf("sent/suppressed = %d/%d, want 2/3", c.Sent, c.Suppressed)
	}

	// the two sends are the first two alerts in input order
	recs, _ := st.Notifications(clock.Now().Add(-time.Hour), clock.Now())
	var sentIDs []string
	var suppressedReasons []string
	for _, r := range recs {
		switch r.Outcome {
		case models.OutcomeSent:
			sentIDs = append(sentIDs, r.AlertID)
		case models.OutcomeSuppressed:
			suppressedReasons = append(suppressedReasons, r.Reason.String)
		}
	}
	if len(sentIDs) != 2 || sentIDs[0] != alerts[0].ID || sentIDs[1] != alerts[1].ID {
		t.Fatalf("sent alert IDs = %v", sentIDs)
	}
	for _, reason := range suppressedReasons {
		if reason != models.ReasonRateLimitHour {
			t.Fatalf("suppression reason = %q, want rate_limit_hour", reason)
		}
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	cfg := defaultDispatchConfig()
	cfg.MaxAlertsPerHour = 1
	email := &fakeChannel{name: models.ChannelEmail}
	d, _, clock := setup(t, cfg, []*fakeChannel{email})
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, []models.Alert{testAlert(models.KindFrostCritical, models.SeverityCritical, clock.Now())}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clock.Advance(61 * time.Minute)
	report, err := d.Dispatch(ctx, []models.Alert{testAlert(models.KindHeatExtreme, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("dispatch after window: %v", err)
	}
	if report.Sent() != 1 {
		t.Fatalf("sent = %d, want 1 after the window slides", report.Sent())
	}
}

func TestChannelFallback(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail,
		errs: []error{fmt.Errorf("%w: mailbox gone", models.ErrPermanentAddress)}}
	sms := &fakeChannel{name: models.ChannelSMS}
	d, st, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email, sms})

	report, err := d.Dispatch(context.Background(),
		[]models.Alert{testAlert(models.KindWindStrong, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.PerChannel[models.ChannelEmail].Failed != 1 {
		t.Fatalf("email failed = %d, want 1", report.PerChannel[models.ChannelEmail].Failed)
	}
	if report.PerChannel[models.ChannelSMS].Sent != 1 {
		t.Fatalf("sms sent = %d, want 1", report.PerChannel[models.ChannelSMS].Sent)
	}
	if report.ErrorKinds["permanent_address"] != 1 {
		t.Fatalf("error kinds = %v", report.ErrorKinds)
	}

	// both attempts are on record
	recs, _ := st.Notifications(clock.Now().Add(-time.Hour), clock.Now())
	if len(recs) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(recs))
	}
}

func TestTransientRetrySucceeds(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail,
		errs: []error{
			fmt.Errorf("%w: timeout", models.ErrTransientNetwork),
			fmt.Errorf("%w: timeout", models.ErrTransientNetwork),
		}}
	d, _, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email})

	report, err := d.Dispatch(context.Background(),
		[]models.Alert{testAlert(models.KindPrecipitationIntense, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.Sent() != 1 {
		t.Fatalf("sent = %d, want 1 after transient retries", report.Sent())
	}
	// two transient failures then success, all against one channel
	if email.calls != 3 {
		t.Fatalf("calls = %d, want 3", email.calls)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail,
		errs: []error{fmt.Errorf("%w: bad creds", models.ErrPermanentCredentials)}}
	d, _, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email})

	report, err := d.Dispatch(context.Background(),
		[]models.Alert{testAlert(models.KindHumidityHigh, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if email.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent errors)", email.calls)
	}
	if report.PerChannel[models.ChannelEmail].Failed != 1 {
		t.Fatalf("failed = %d, want 1", report.PerChannel[models.ChannelEmail].Failed)
	}
}

func TestUnsubscribedKindSkipped(t *testing.T) {
	email := &fakeChannel{name: models.ChannelEmail}
	d, st, clock := setup(t, defaultDispatchConfig(), []*fakeChannel{email})

	r := testRecipient()
	r.SubscribedKinds = map[models.AlertKind]bool{models.KindFrostCritical: true}
	if err := st.UpsertRecipient(r); err != nil {
		t.Fatalf("update recipient: %v", err)
	}

	report, err := d.Dispatch(context.Background(),
		[]models.Alert{testAlert(models.KindHeatExtreme, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.Sent() != 0 || email.calls != 0 {
		t.Fatalf("sent/calls = %d/%d, want 0/0", report.Sent(), email.calls)
	}
	// the alert itself still lands in the alert log
	alerts, _ := st.Alerts(clock.Now().Add(-time.Hour), clock.Now(), "", 0)
	if len(alerts) != 1 {
		t.Fatalf("alert log = %d entries, want 1", len(alerts))
	}
}

func TestQuietHours(t *testing.T) {
	cfg := defaultDispatchConfig()
	cfg.QuietHoursEnabled = true
	email := &fakeChannel{name: models.ChannelEmail}
	d, _, clock := setup(t, cfg, []*fakeChannel{email})
	ctx := context.Background()

	// 12:00 UTC is inside the active window; move to 03:00
	clock.Advance(15 * time.Hour)

	report, err := d.Dispatch(ctx, []models.Alert{testAlert(models.KindHumidityLow, models.SeverityWarning, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.PerChannel[models.ChannelEmail].Suppressed != 1 {
		t.Fatalf("warning not suppressed in quiet hours: %+v", report.PerChannel)
	}

	// critical alerts always pass
	report, err = d.Dispatch(ctx, []models.Alert{testAlert(models.KindFrostCritical, models.SeverityCritical, clock.Now())})
	if err != nil {
		t.Fatalf("Dispatch critical: %v", err)
	}
	if report.Sent() != 1 {
		t.Fatalf("critical sent = %d, want 1 during quiet hours", report.Sent())
	}
}

func TestMemoryWindowEviction(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()
	base := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

	w.Record(ctx, models.KindHeatExtreme, "r1", models.ChannelEmail, base.Add(-2*time.Hour))
	w.Record(ctx, models.KindHeatExtreme, "r1", models.ChannelEmail, base.Add(-30*time.Minute))
	w.Record(ctx, models.KindWindStrong, "r2", models.ChannelSMS, base)

	n, err := w.CountSentSince(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSentSince: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	last, err := w.LastSent(ctx, models.KindHeatExtreme, "r1")
	if err != nil {
		t.Fatalf("LastSent: %v", err)
	}
	if !last.Equal(base.Add(-30 * time.Minute)) {
		t.Fatalf("last = %v", last)
	}

	none, _ := w.LastSent(ctx, models.KindHeatExtreme, "r9")
	if !none.IsZero() {
		t.Fatalf("expected zero time for unknown recipient")
	}
}
