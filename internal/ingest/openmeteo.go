package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/metgo/valleymet/internal/models"
)

const openMeteoBaseURL = "https://api.open-meteo.com"

var openMeteoHourly = []string{
	"temperature_2m", "relative_humidity_2m", "precipitation",
	"wind_speed_10m", "wind_direction_10m", "surface_pressure",
	"cloud_cover", "shortwave_radiation",
}

// OpenMeteo reads hourly station data from the Open-Meteo archive API.
type OpenMeteo struct {
	baseURL string
	client  *http.Client
}

func NewOpenMeteo(baseURL string) *OpenMeteo {
	if baseURL == "" {
		baseURL = openMeteoBaseURL
	}
	return &OpenMeteo{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenMeteo) Name() string { return "openmeteo" }

func (o *OpenMeteo) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.baseURL+"/v1/forecast?latitude=0&longitude=0&hourly=temperature_2m", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError
}

type openMeteoResponse struct {
	Hourly struct {
		Time           []string   `json:"time"`
		Temperature    []*float64 `json:"temperature_2m"`
		Humidity       []*float64 `json:"relative_humidity_2m"`
		Precipitation  []*float64 `json:"precipitation"`
		WindSpeed      []*float64 `json:"wind_speed_10m"`
		WindDirection  []*float64 `json:"wind_direction_10m"`
		Pressure       []*float64 `json:"surface_pressure"`
		CloudCover     []*float64 `json:"cloud_cover"`
		SolarRadiation []*float64 `json:"shortwave_radiation"`
	} `json:"hourly"`
}

func (o *OpenMeteo) Fetch(ctx context.Context, station models.Station, from, to time.Time) ([]models.Observation, float64, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", station.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", station.Longitude))
	q.Set("hourly", strings.Join(openMeteoHourly, ","))
	q.Set("start_date", from.UTC().Format("2006-01-02"))
	q.Set("end_date", to.UTC().Format("2006-01-02"))
	q.Set("timezone", "UTC")
	endpoint := o.baseURL + "/v1/forecast?" + q.Encode()

	start := time.Now()
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("fetch hourly: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("fetch hourly: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("fetch hourly: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, time.Since(start).Seconds(), err
	}
	latency := time.Since(start).Seconds()

	var data openMeteoResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, latency, fmt.Errorf("unmarshal: %w", err)
	}

	var results []models.Observation
	for i, ts := range data.Hourly.Time {
		observedAt, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			continue
		}
		observedAt = observedAt.UTC()
		if observedAt.Before(from) || observedAt.After(to) {
			continue
		}
		obs := models.Observation{
			StationID:      station.StationID,
			ObservedAt:     observedAt,
			Source:         o.Name(),
			TempMean:       at(data.Hourly.Temperature, i),
			RelHumidity:    at(data.Hourly.Humidity, i),
			Precipitation:  at(data.Hourly.Precipitation, i),
			WindSpeed:      at(data.Hourly.WindSpeed, i),
			WindDirection:  at(data.Hourly.WindDirection, i),
			Pressure:       at(data.Hourly.Pressure, i),
			CloudCover:     at(data.Hourly.CloudCover, i),
			SolarRadiation: at(data.Hourly.SolarRadiation, i),
		}
		results = append(results, obs)
	}
	return results, latency, nil
}

func at(col []*float64, i int) sql.NullFloat64 {
	if i >= len(col) || col[i] == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *col[i], Valid: true}
}
