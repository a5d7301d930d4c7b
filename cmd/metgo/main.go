package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/metgo/valleymet/internal/api"
	"github.com/metgo/valleymet/internal/bus"
	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/dispatch"
	"github.com/metgo/valleymet/internal/forecast"
	"github.com/metgo/valleymet/internal/ingest"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/notify"
	"github.com/metgo/valleymet/internal/quality"
	"github.com/metgo/valleymet/internal/store"
)

// defaultStations covers the Aconcagua valley network around Quillota.
var defaultStations = []models.Station{
	{StationID: "quillota_centro", Name: "Quillota Centro", Latitude: -32.8833, Longitude: -71.25, Elevation: 120, Active: true},
	{StationID: "la_cruz", Name: "La Cruz", Latitude: -32.8258, Longitude: -71.2367, Elevation: 112, Active: true},
	{StationID: "hijuelas", Name: "Hijuelas", Latitude: -32.8, Longitude: -71.1333, Elevation: 140, Active: true},
	{StationID: "limache", Name: "Limache", Latitude: -33.0167, Longitude: -71.2667, Elevation: 95, Active: true},
	{StationID: "olmue", Name: "Olmue", Latitude: -33.0, Longitude: -71.2167, Elevation: 110, Active: true},
}

const (
	exitOK = iota
	exitConfig
	exitStorage
	exitResources
	exitModel
)

type cli struct {
	config.Config

	Migrate         migrateCmd         `cmd:"" help:"Apply schema migrations and seed the station network."`
	RunMonitor      runMonitorCmd      `cmd:"" name:"run-monitor" help:"Run the full pipeline: ingestion, quality monitoring, alerting, HTTP API."`
	TrainModel      trainModelCmd      `cmd:"" name:"train-model" help:"Train the forecast ensemble for one variable."`
	ForecastCmd     forecastCmd        `cmd:"" name:"forecast" help:"Print forecasts from the served model."`
	DispatchPending dispatchPendingCmd `cmd:"" name:"dispatch-pending" help:"Evaluate the latest observations once and dispatch any alerts."`
	Serve           serveCmd           `cmd:"" help:"Serve the read-only HTTP API without background jobs."`
}

func main() {
	var app cli
	ctx := kong.Parse(&app,
		kong.Name("metgo"),
		kong.Description("Agricultural valley meteorology: quality monitoring, alerting, and per-variable forecasting."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)
	if err := app.Config.Validate(); err != nil {
		log.Printf("metgo: %v", err)
		os.Exit(exitConfig)
	}
	if err := ctx.Run(&app.Config); err != nil {
		log.Printf("metgo: %v", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidConfiguration):
		return exitConfig
	case errors.Is(err, models.ErrStorageUnavailable):
		return exitStorage
	case errors.Is(err, models.ErrInsufficientMemory):
		return exitResources
	case errors.Is(err, models.ErrModelNotAvailable):
		return exitModel
	}
	return 1
}

func openStore(cfg *config.Config) (*store.Store, func(), error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", models.ErrStorageUnavailable, cfg.DBPath, err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	for _, station := range defaultStations {
		if err := st.UpsertStation(station); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return st, func() { db.Close() }, nil
}

// buildDispatcher wires the channels, send window, and optional Kafka bus
// from whatever is configured. Missing provider credentials just leave a
// channel out.
func buildDispatcher(cfg *config.Config, st *store.Store, clock clockwork.Clock) (*dispatch.Dispatcher, error) {
	var channels []notify.Channel
	if cfg.SMTP.Host != "" {
		channels = append(channels, notify.NewEmail(cfg.SMTP))
	}
	if cfg.Twilio.AccountSID != "" {
		channels = append(channels,
			notify.NewSMS(cfg.Twilio, cfg.Dispatch.ChannelTimeout),
			notify.NewWhatsApp(cfg.Twilio, cfg.Dispatch.ChannelTimeout))
	}
	if len(channels) == 0 {
		log.Printf("dispatch: no channels configured, alerts will be logged only")
	}

	var window dispatch.SendWindow
	if cfg.Dispatch.RedisAddr != "" {
		rw, err := dispatch.NewRedisWindow(cfg.Dispatch.RedisAddr)
		if err != nil {
			return nil, err
		}
		window = rw
		log.Printf("dispatch: redis send window at %s", cfg.Dispatch.RedisAddr)
	} else {
		window = dispatch.NewMemoryWindow()
	}

	d := dispatch.New(st, window, channels, cfg.Dispatch, clock)
	if len(cfg.Dispatch.KafkaBrokers) > 0 {
		d.SetPublisher(bus.NewAlertWriter(cfg.Dispatch.KafkaBrokers, cfg.Dispatch.KafkaTopic))
		log.Printf("dispatch: publishing alerts to kafka topic %s", cfg.Dispatch.KafkaTopic)
	}
	return d, nil
}

func loadRecipients(cfg *config.Config, st *store.Store) error {
	if cfg.RecipientsFile == "" {
		return nil
	}
	payload, err := os.ReadFile(cfg.RecipientsFile)
	if err != nil {
		return fmt.Errorf("%w: recipients file: %v", models.ErrInvalidConfiguration, err)
	}
	var recipients []recipientFile
	if err := json.Unmarshal(payload, &recipients); err != nil {
		return fmt.Errorf("%w: recipients file: %v", models.ErrInvalidConfiguration, err)
	}
	for _, r := range recipients {
		rec, err := r.toModel()
		if err != nil {
			return err
		}
		if err := st.UpsertRecipient(rec); err != nil {
			return err
		}
	}
	log.Printf("recipients: loaded %d from %s", len(recipients), cfg.RecipientsFile)
	return nil
}

type recipientFile struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone"`
	Channels    []string          `json:"channels"`
	Kinds       []string          `json:"subscribed_kinds"`
	MinSeverity map[string]string `json:"min_severity"`
	Active      *bool             `json:"active"`
}

func (r recipientFile) toModel() (models.Recipient, error) {
	if r.ID == "" {
		return models.Recipient{}, fmt.Errorf("%w: recipient without id", models.ErrInvalidRecipient)
	}
	rec := models.Recipient{
		ID:              r.ID,
		DisplayName:     r.DisplayName,
		SubscribedKinds: make(map[models.AlertKind]bool),
		MinSeverity:     make(map[models.AlertKind]models.Severity),
		Active:          true,
	}
	if r.Active != nil {
		rec.Active = *r.Active
	}
	if r.Email != "" {
		rec.Email = sql.NullString{String: r.Email, Valid: true}
	}
	if r.Phone != "" {
		rec.Phone = sql.NullString{String: r.Phone, Valid: true}
	}
	for _, ch := range r.Channels {
		rec.Channels = append(rec.Channels, models.Channel(ch))
	}
	if len(r.Kinds) == 0 {
		for _, k := range models.AllAlertKinds {
			rec.SubscribedKinds[k] = true
		}
	} else {
		for _, k := range r.Kinds {
			rec.SubscribedKinds[models.AlertKind(k)] = true
		}
	}
	for kind, sev := range r.MinSeverity {
		parsed, err := models.ParseSeverity(sev)
		if err != nil {
			return models.Recipient{}, fmt.Errorf("%w: recipient %s: %v", models.ErrInvalidRecipient, r.ID, err)
		}
		rec.MinSeverity[models.AlertKind(kind)] = parsed
	}
	return rec, nil
}

type migrateCmd struct{}

func (c *migrateCmd) Run(cfg *config.Config) error {
	_, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	log.Println("database migrated, stations seeded")
	return nil
}

type runMonitorCmd struct {
	AgrometHost string `name:"agromet-host" env:"METGO_AGROMET_HOST" help:"FTP host for the agro-climate network export."`
	AgrometDir  string `name:"agromet-dir" env:"METGO_AGROMET_DIR" help:"Directory of the per-station CSV drop."`
}

func (c *runMonitorCmd) Run(cfg *config.Config) error {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := loadRecipients(cfg, st); err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	dispatcher, err := buildDispatcher(cfg, st, clock)
	if err != nil {
		return err
	}

	fetchers := []ingest.Fetcher{ingest.NewOpenMeteo("")}
	if c.AgrometHost != "" {
		fetchers = append(fetchers, ingest.NewAgromet(c.AgrometHost, c.AgrometDir))
	}
	probes := make([]quality.Probe, len(fetchers))
	for i, f := range fetchers {
		probes[i] = f
	}

	monitor := quality.New(st, dispatcher, probes, cfg.Monitor, cfg.Thresholds, cfg.Dispatch.Cooldown, clock)
	scheduler := ingest.NewScheduler(st, fetchers, cfg.Monitor.CyclePeriod, clock)
	trainer := forecast.NewTrainer(st, cfg.Forecast, clock)
	apiServer := api.NewServer(st, forecast.NewServer(st, cfg.Forecast), cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// warm the observation window before the first quality cycle
	scheduler.RunOnce(ctx)

	jobs := cron.New()
	jobs.AddFunc("0 3 * * *", func() { retrainStale(ctx, trainer, cfg) })
	jobs.Start()
	defer jobs.Stop()

	errCh := make(chan error, 3)
	go func() { errCh <- scheduler.Run(ctx) }()
	go func() { errCh <- monitor.Run(ctx) }()
	go func() { errCh <- apiServer.ListenAndServe(ctx) }()

	err = <-errCh
	stop()
	if errors.Is(err, context.Canceled) {
		log.Println("metgo: shut down")
		return nil
	}
	return err
}

// retrainStale retrains every configured variable whose served model is
// missing or past the retrain interval.
func retrainStale(ctx context.Context, trainer *forecast.Trainer, cfg *config.Config) {
	for _, variable := range cfg.Forecast.TargetVariables {
		need, err := trainer.NeedsRetrain(variable, 0)
		if err != nil {
			log.Printf("retrain %s: %v", variable, err)
			continue
		}
		if !need {
			continue
		}
		if _, err := trainer.Train(ctx, variable, 0); err != nil {
			log.Printf("retrain %s: %v", variable, err)
		}
	}
}

type trainModelCmd struct {
	Variable   string `name:"variable" required:"" help:"Target variable, e.g. temperature_mean."`
	WindowDays int    `name:"window-days" help:"Training window in days (default from config)."`
}

func (c *trainModelCmd) Run(cfg *config.Config) error {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	trainer := forecast.NewTrainer(st, cfg.Forecast, clockwork.NewRealClock())
	model, err := trainer.Train(context.Background(), c.Variable, c.WindowDays)
	if err != nil {
		return err
	}
	status := "accepted"
	if !model.Accepted {
		status = "rejected"
	}
	fmt.Printf("model %d for %s: r2=%.4f rmse=%.4f mae=%.4f (%s, trained in %s)\n",
		model.ID, model.TargetVariable, model.R2, model.RMSE, model.MAE, status, model.TrainDuration.Round(time.Millisecond))
	return nil
}

type forecastCmd struct {
	Variable string `name:"variable" required:"" help:"Target variable."`
	Horizon  int    `name:"horizon" default:"24" help:"Horizon in hours."`
}

func (c *forecastCmd) Run(cfg *config.Config) error {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	server := forecast.NewServer(st, cfg.Forecast)
	fcs, err := server.Forecast(context.Background(), c.Variable, time.Now().UTC(), c.Horizon)
	if err != nil {
		return err
	}
	for _, f := range fcs {
		at := f.BaseTime.Add(time.Duration(f.HorizonIndex) * time.Hour)
		fmt.Printf("%s  %7.2f  [%7.2f, %7.2f]  confidence %.2f\n",
			at.Format("2006-01-02 15:04"), f.PredictedValue, f.LowerBound, f.UpperBound, f.Confidence)
	}
	return nil
}

type dispatchPendingCmd struct{}

func (c *dispatchPendingCmd) Run(cfg *config.Config) error {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := loadRecipients(cfg, st); err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	dispatcher, err := buildDispatcher(cfg, st, clock)
	if err != nil {
		return err
	}
	monitor := quality.New(st, dispatcher, nil, cfg.Monitor, cfg.Thresholds, cfg.Dispatch.Cooldown, clock)

	snap, err := monitor.RunCycle(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("quality %.1f%% over %d records\n", snap.QualityPercent, snap.TotalRecords)
	return nil
}

type serveCmd struct{}

func (c *serveCmd) Run(cfg *config.Config) error {
	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(st, forecast.NewServer(st, cfg.Forecast), cfg.HTTPAddr)
	err = apiServer.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
