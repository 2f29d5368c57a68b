package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/sink"
)

// ErrNotFound is returned when a sensor has no stored readings.
var ErrNotFound = errors.New("store: not found")

// tsLayout is fixed-width so that text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store appends samples to the readings table. It implements sink.Sink.
type Store struct {
	db *sql.DB
}

var _ sink.Sink = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Write(ctx context.Context, sm sink.Sample) error {
	if sm.Time.IsZero() {
		sm.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (sensor_key, name, source, ts, temperature_c, humidity_pct, battery_pct, rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(sm.Key), sm.Name, sm.Source,
		sm.Time.UTC().Format(tsLayout),
		sm.TempC, sm.Hum, nullInt(sm.Batt), nullInt(sm.RSSI),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for key.
func (s *Store) Latest(ctx context.Context, key string) (sink.Sample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sensor_key, name, source, ts, temperature_c, humidity_pct, battery_pct, rssi
		FROM readings
		WHERE sensor_key = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1`, strings.ToLower(key))

	var (
		sm         sink.Sample
		ts         string
		batt, rssi sql.NullInt64
	)
	err := row.Scan(&sm.Key, &sm.Name, &sm.Source, &ts, &sm.TempC, &sm.Hum, &batt, &rssi)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.Sample{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return sink.Sample{}, fmt.Errorf("query latest: %w", err)
	}
	sm.Time, err = time.Parse(tsLayout, ts)
	if err != nil {
		return sink.Sample{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	sm.Batt = intPtr(batt)
	sm.RSSI = intPtr(rssi)
	return sm, nil
}

// Count returns the number of stored readings for key.
func (s *Store) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM readings WHERE sensor_key = ?`, strings.ToLower(key),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
