package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"telemetrygw/internal/domain"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/storage"

	_ "modernc.org/sqlite"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	uuid TEXT PRIMARY KEY,
	color TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	energy_cost REAL NOT NULL,
	energy_consume REAL NOT NULL,
	temperature REAL NOT NULL,
	humidity REAL NOT NULL,
	created_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_color ON records(color);
CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp);
CREATE INDEX IF NOT EXISTS idx_records_energy_cost ON records(energy_cost);
CREATE INDEX IF NOT EXISTS idx_records_energy_consume ON records(energy_consume);
CREATE INDEX IF NOT EXISTS idx_records_temperature ON records(temperature);
CREATE INDEX IF NOT EXISTS idx_records_humidity ON records(humidity);

CREATE TRIGGER IF NOT EXISTS trg_records_no_update
BEFORE UPDATE ON records
BEGIN
	SELECT RAISE(ABORT, 'records are immutable: UPDATE forbidden');
END;
`

const selectRecord = `SELECT uuid, color, timestamp, energy_cost, energy_consume, temperature, humidity FROM records`

// Store is the embedded single-node backend. It satisfies the same contract as
// the Neo4j cluster client; there is no primary/secondary split, every query
// runs against one database file.
type Store struct {
	path string
	db   *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, "telemetry.db")
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func (s *Store) CreateRecords(ctx context.Context, batch []domain.Record) (domain.CreateResult, error) {
	if err := storage.ValidateBatch(batch); err != nil {
		return domain.CreateResult{}, errs.Validation("create_records", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreateResult{}, errs.Store("create_records", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	var res domain.CreateResult
	for _, r := range batch {
		out, err := tx.ExecContext(ctx, `
INSERT INTO records(uuid, color, timestamp, energy_cost, energy_consume, temperature, humidity, created_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uuid) DO NOTHING`,
			r.UUID, r.Color, r.Timestamp, r.EnergyCost, r.EnergyConsume, r.SensorData.Temperature, r.SensorData.Humidity, now)
		if err != nil {
			return domain.CreateResult{}, errs.Store("create_records", err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return domain.CreateResult{}, errs.Store("create_records", err)
		}
		if n == 0 {
			res.Skipped++
			continue
		}
		res.Created++
	}
	if err := tx.Commit(); err != nil {
		return domain.CreateResult{}, errs.Store("create_records", err)
	}
	return res, nil
}

func (s *Store) ByUUID(ctx context.Context, uuid string) (domain.Record, bool, error) {
	recs, err := s.query(ctx, "by_uuid", selectRecord+` WHERE uuid = ?`, uuid)
	if err != nil || len(recs) == 0 {
		return domain.Record{}, false, err
	}
	return recs[0], true, nil
}

func (s *Store) All(ctx context.Context) ([]domain.Record, error) {
	return s.query(ctx, "all", selectRecord+` ORDER BY timestamp, uuid`)
}

func (s *Store) ByColor(ctx context.Context, color string) ([]domain.Record, error) {
	return s.query(ctx, "by_color", selectRecord+` WHERE color = ? ORDER BY timestamp, uuid`, color)
}

func (s *Store) InTimeRange(ctx context.Context, start, end string) ([]domain.Record, error) {
	return s.query(ctx, "in_time_range", selectRecord+` WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, uuid`, start, end)
}

func (s *Store) ByTemperatureOrHumidity(ctx context.Context, temperature, humidity float64) ([]domain.Record, error) {
	return s.query(ctx, "by_temperature_humidity", selectRecord+` WHERE temperature = ? OR humidity = ? ORDER BY timestamp, uuid`, temperature, humidity)
}

func (s *Store) SensorDataAt(ctx context.Context, timestamp string) (domain.SensorReading, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT temperature, humidity FROM records WHERE timestamp = ? ORDER BY uuid LIMIT 1`, timestamp)
	reading := domain.SensorReading{Timestamp: timestamp}
	err := row.Scan(&reading.Temperature, &reading.Humidity)
	if err == sql.ErrNoRows {
		return domain.SensorReading{}, false, nil
	}
	if err != nil {
		return domain.SensorReading{}, false, errs.Store("sensor_data_at", err)
	}
	return reading, true, nil
}

func (s *Store) ByEnergyCost(ctx context.Context, cost float64) ([]domain.Record, error) {
	return s.query(ctx, "by_energy_cost", selectRecord+` WHERE energy_cost = ? ORDER BY timestamp, uuid`, cost)
}

func (s *Store) ByEnergyConsume(ctx context.Context, consume float64) ([]domain.Record, error) {
	return s.query(ctx, "by_energy_consume", selectRecord+` WHERE energy_consume = ? ORDER BY timestamp, uuid`, consume)
}

// ResetCluster wipes every record and reapplies the schema.
func (s *Store) ResetCluster(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS records`); err != nil {
		return errs.Store("reset_cluster", err)
	}
	if _, err := s.db.ExecContext(ctx, recordsSchema); err != nil {
		return errs.Store("reset_cluster", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Store(op, err)
	}
	defer rows.Close()

	out := []domain.Record{}
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.UUID, &r.Color, &r.Timestamp, &r.EnergyCost, &r.EnergyConsume, &r.SensorData.Temperature, &r.SensorData.Humidity); err != nil {
			return nil, errs.Store(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store(op, err)
	}
	return out, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
