package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
)

const (
	tableScanResults  = "scan_results"
	tableGeolocations = "geolocations"

	defaultListLimit = 100
	maxListLimit     = 1000
	writeTimeout     = 5 * time.Second
)

// ScanResult is a persisted scan_result message.
type ScanResult struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	RequestID  string         `db:"request_id" json:"request_id"`
	Target     string         `db:"target" json:"target"`
	Title      string         `db:"title" json:"title"`
	IsCamera   bool           `db:"is_camera" json:"is_camera"`
	ErrorKind  sql.NullString `db:"error_kind" json:"-"`
	StatusCode sql.NullInt64  `db:"status_code" json:"-"`
	DurationMS int64          `db:"duration_ms" json:"duration_ms"`
	ScannedAt  time.Time      `db:"scanned_at" json:"scanned_at"`
}

// Geolocation is a persisted geolocation_result message.
type Geolocation struct {
	Address   string         `db:"address" json:"address"`
	City      string         `db:"city" json:"city"`
	Region    string         `db:"region" json:"region"`
	Country   string         `db:"country" json:"country"`
	Org       string         `db:"org" json:"org"`
	Loc       sql.NullString `db:"loc" json:"-"`
	LocatedAt time.Time      `db:"located_at" json:"located_at"`
}

// ResultFilter narrows ListScanResults.
type ResultFilter struct {
	CamerasOnly bool
	Target      string
	Limit       int
}

// Store reads and writes camwatch results.
type Store struct {
	db      *DB
	logger  *logging.Logger
	metrics *metrics.Metrics
	sub     *bus.Subscription
}

// NewStore creates a store on db.
func NewStore(db *DB, m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.Default()
	}
	return &Store{
		db:      db,
		logger:  logging.Default().WithComponent("store"),
		metrics: m,
	}
}

// SaveScanResult inserts one scan outcome.
func (s *Store) SaveScanResult(ctx context.Context, id uuid.UUID, p bus.ScanResultPayload, at time.Time) error {
	query := `
		INSERT INTO scan_results (id, request_id, target, title, is_camera, error_kind, status_code, duration_ms, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		id, p.RequestID, p.Target, p.Title, p.IsCamera,
		nullString(p.Error), nullInt(p.StatusCode), p.DurationMS, at)
	s.metrics.StoreWrite(tableScanResults, err)
	return sanitizeDBError("save scan result", err)
}

// SaveGeolocation upserts the latest location for an address.
func (s *Store) SaveGeolocation(ctx context.Context, p bus.GeolocationResultPayload, at time.Time) error {
	query := `
		INSERT INTO geolocations (address, city, region, country, org, loc, located_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE
		SET city = EXCLUDED.city, region = EXCLUDED.region, country = EXCLUDED.country,
		    org = EXCLUDED.org, loc = EXCLUDED.loc, located_at = EXCLUDED.located_at`

	_, err := s.db.ExecContext(ctx, query,
		p.Address, p.City, p.Region, p.Country, p.Org, nullString(p.Loc), at)
	s.metrics.StoreWrite(tableGeolocations, err)
	return sanitizeDBError("save geolocation", err)
}

// ListScanResults returns the newest results first.
func (s *Store) ListScanResults(ctx context.Context, f ResultFilter) ([]ScanResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, request_id, target, title, is_camera, error_kind, status_code, duration_ms, scanned_at
		FROM scan_results
		WHERE ($1 = FALSE OR is_camera)
		  AND ($2 = '' OR target = $2)
		ORDER BY scanned_at DESC
		LIMIT $3`

	var results []ScanResult
	if err := s.db.SelectContext(ctx, &results, query, f.CamerasOnly, f.Target, limit); err != nil {
		return nil, sanitizeDBError("list scan results", err)
	}
	return results, nil
}

// GetGeolocation returns the stored location for address.
func (s *Store) GetGeolocation(ctx context.Context, address string) (*Geolocation, error) {
	var geo Geolocation
	query := `SELECT address, city, region, country, org, loc, located_at FROM geolocations WHERE address = $1`
	if err := s.db.GetContext(ctx, &geo, query, address); err != nil {
		return nil, sanitizeDBError("get geolocation", err)
	}
	return &geo, nil
}

// Attach persists scan and geolocation results published on b.
func (s *Store) Attach(b *bus.Bus) {
	s.sub = b.Subscribe(bus.ByType(bus.TypeScanResult, bus.TypeGeolocationResult), s.record)
}

// Detach stops persisting bus messages.
func (s *Store) Detach() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *Store) record(msg bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch p := msg.Payload.(type) {
	case bus.ScanResultPayload:
		err = s.SaveScanResult(ctx, msg.ID, p, msg.Timestamp)
	case bus.GeolocationResultPayload:
		err = s.SaveGeolocation(ctx, p, msg.Timestamp)
	default:
		return
	}
	if err != nil {
		s.logger.Error("Failed to persist message", "message_type", msg.Type, "error", err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
