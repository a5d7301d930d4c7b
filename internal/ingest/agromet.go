package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/metgo/valleymet/internal/models"
)

// Agromet pulls daily station CSV exports from the agro-climate network's
// FTP drop. Files are named <station_id>.csv with columns
// timestamp,temp_mean,temp_max,temp_min,humidity,precip,wind_speed,
// wind_direction,pressure. Empty cells mean the sensor had no reading.
type Agromet struct {
	host string
	dir  string
}

func NewAgromet(host, dir string) *Agromet {
	if dir == "" {
		dir = "/export/daily"
	}
	return &Agromet{host: host, dir: dir}
}

func (a *Agromet) Name() string { return "agromet" }

func (a *Agromet) Available(ctx context.Context) bool {
	conn, err := ftp.Dial(a.host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return false
	}
	defer conn.Quit()
	return conn.Login("anonymous", "anonymous") == nil
}

func (a *Agromet) Fetch(ctx context.Context, station models.Station, from, to time.Time) ([]models.Observation, float64, error) {
	start := time.Now()
	conn, err := ftp.Dial(a.host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, time.Since(start).Seconds(), fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, time.Since(start).Seconds(), fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(a.dir + "/" + station.StationID + ".csv")
	if err != nil {
		return nil, time.Since(start).Seconds(), fmt.Errorf("ftp retr: %w", err)
	}
	body, err := io.ReadAll(resp)
	resp.Close()
	latency := time.Since(start).Seconds()
	if err != nil {
		return nil, latency, fmt.Errorf("read body: %w", err)
	}

	obs, err := parseAgrometCSV(body, station.StationID, from, to)
	return obs, latency, err
}

func parseAgrometCSV(body []byte, stationID string, from, to time.Time) ([]models.Observation, error) {
	r := csv.NewReader(strings.NewReader(string(body)))
	r.FieldsPerRecord = -1

	var results []models.Observation
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == "timestamp" {
				continue
			}
		}
		if len(record) < 9 {
			continue
		}
		observedAt, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			continue
		}
		observedAt = observedAt.UTC()
		if observedAt.Before(from) || observedAt.After(to) {
			continue
		}
		results = append(results, models.Observation{
			StationID:     stationID,
			ObservedAt:    observedAt,
			Source:        "agromet",
			TempMean:      cell(record[1]),
			TempMax:       cell(record[2]),
			TempMin:       cell(record[3]),
			RelHumidity:   cell(record[4]),
			Precipitation: cell(record[5]),
			WindSpeed:     cell(record[6]),
			WindDirection: cell(record[7]),
			Pressure:      cell(record[8]),
		})
	}
	return results, nil
}

func cell(s string) sql.NullFloat64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullFloat64{}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
