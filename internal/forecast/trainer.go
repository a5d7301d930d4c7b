package forecast

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/metgo/valleymet/internal/config"
	"github.com/metgo/valleymet/internal/metrics"
	"github.com/metgo/valleymet/internal/models"
	"github.com/metgo/valleymet/internal/store"
)

// MemoryProbe reports available system memory in bytes. Zero means the
// probe could not tell, which is treated as sufficient.
type MemoryProbe func() int64

// Trainer fits and registers forecast models. Concurrent Train calls for
// the same variable serialize; different variables may overlap.
type Trainer struct {
	store      *store.Store
	cfg        config.Forecast
	freeMemory MemoryProbe
	clock      clockwork.Clock

	mu     sync.Mutex
	perVar map[string]*sync.Mutex
}

func NewTrainer(st *store.Store, cfg config.Forecast, clock clockwork.Clock) *Trainer {
	return &Trainer{
		store:      st,
		cfg:        cfg,
		freeMemory: availableMemory,
		clock:      clock,
		perVar:     make(map[string]*sync.Mutex),
	}
}

// SetMemoryProbe replaces the system probe, mainly for tests.
func (t *Trainer) SetMemoryProbe(p MemoryProbe) { t.freeMemory = p }

// Train runs the full pipeline for one variable: dataset assembly, time
// split, preprocessing fit on the training split, the four-member voting
// ensemble, held-out evaluation, and registry persistence. windowDays of 0
// uses the configured default.
func (t *Trainer) Train(ctx context.Context, variable string, windowDays int) (*models.ForecastModel, error) {
	lock := t.varLock(variable)
	lock.Lock()
	defer lock.Unlock()

	if free := t.freeMemory(); free > 0 && free < t.cfg.MemoryFloorBytes {
		return nil, fmt.Errorf("%w: %d bytes free, floor %d", models.ErrInsufficientMemory, free, t.cfg.MemoryFloorBytes)
	}
	if windowDays <= 0 {
		windowDays = t.cfg.TrainingWindowDays
	}

	start := t.clock.Now()
	now := start.UTC()
	obs, err := t.store.Observations(now.AddDate(0, 0, -windowDays), now, "", 0)
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}

	stations, err := t.stationIDs()
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}
	ds, err := BuildDataset(obs, variable, stations)
	if err != nil {
		return nil, err
	}
	if len(ds.Rows) < 10 {
		return nil, fmt.Errorf("%w: only %d usable rows for %s", models.ErrInvalidConfiguration, len(ds.Rows), variable)
	}

	trainX, trainY, testX, testY := ds.Split(t.cfg.TestFraction)

	imputer := Imputer{}
	imputer.Fit(trainX)
	imputer.Transform(trainX)
	imputer.Transform(testX)

	scaler := RobustScaler{}
	scaler.Fit(trainX)
	scaler.Transform(trainX)
	scaler.Transform(testX)

	selector := FitSelector(trainX, trainY, ds.Names, t.cfg.MaxFeatures)
	selTrain := selector.Transform(trainX)
	selTest := selector.Transform(testX)

	ensemble, err := fitEnsemble(ctx, selTrain, trainY, ensembleParams{
		seed:       t.cfg.RandomSeed,
		maxWorkers: t.cfg.MaxWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}

	scores := evaluate(ensemble, selTest, testY)
	accepted := scores.R2 >= t.cfg.MinAcceptableR2
	if len(testY) == 0 {
		accepted = false
	}

	artifact := &Artifact{
		TargetVariable: variable,
		Stations:       stations,
		FeatureSchema:  ds.Names,
		Imputer:        imputer,
		Scaler:         scaler,
		Selector:       *selector,
		Ensemble:       ensemble,
		Seasonal:       buildSeasonal(obs),
		RMSE:           scores.RMSE,
		Seed:           t.cfg.RandomSeed,
		TrainedAt:      now,
	}
	payload, err := artifact.Encode()
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}
	hash, err := t.store.PutArtifact(payload)
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	model := &models.ForecastModel{
		TargetVariable: variable,
		CreatedAt:      now,
		FeatureSchema:  selector.Names,
		MemberSpecs:    ensemble.Specs(),
		ArtifactHash:   hash,
		R2:             scores.R2,
		RMSE:           scores.RMSE,
		MAE:            scores.MAE,
		TrainDuration:  t.clock.Since(start),
		PeakMemory:     int64(ms.HeapAlloc),
		Accepted:       accepted,
	}
	id, err := t.store.InsertModel(*model)
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", variable, err)
	}
	model.ID = id

	metrics.TrainingDuration.WithLabelValues(variable).Observe(model.TrainDuration.Seconds())
	log.Printf("forecast: trained %s on %d rows, r2=%.3f rmse=%.3f accepted=%v",
		variable, len(ds.Rows), scores.R2, scores.RMSE, accepted)
	return model, nil
}

// NeedsRetrain applies the staleness and drift policy against the served
// model. recentRMSE of 0 skips the drift check.
func (t *Trainer) NeedsRetrain(variable string, recentRMSE float64) (bool, error) {
	served, err := t.store.ServedModel(variable)
	if err != nil {
		if errors.Is(err, models.ErrModelNotAvailable) {
			return true, nil
		}
		return false, err
	}
	if t.clock.Now().Sub(served.CreatedAt) > t.cfg.RetrainInterval {
		return true, nil
	}
	if recentRMSE > 0 && recentRMSE > t.cfg.RetrainRMSEMultiplier*served.RMSE {
		return true, nil
	}
	return false, nil
}

func (t *Trainer) varLock(variable string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.perVar[variable]
	if !ok {
		lock = &sync.Mutex{}
		t.perVar[variable] = lock
	}
	return lock
}

func (t *Trainer) stationIDs() ([]string, error) {
	stations, err := t.store.ActiveStations()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(stations))
	for i, s := range stations {
		ids[i] = s.StationID
	}
	return ids, nil
}

// availableMemory reads MemAvailable from /proc/meminfo. On platforms
// without it the probe returns 0 and the floor check is skipped.
func availableMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
