package storage

import (
	"context"
	"errors"

	"telemetrygw/internal/domain"
)

// ErrEmptyBatch is returned by CreateRecords before any store interaction.
var ErrEmptyBatch = errors.New("empty record batch")

// Reader is the query side of the telemetry store. List queries return an
// empty slice for "no match"; an error always means the query itself failed.
type Reader interface {
	ByUUID(ctx context.Context, uuid string) (domain.Record, bool, error)
	All(ctx context.Context) ([]domain.Record, error)
	ByColor(ctx context.Context, color string) ([]domain.Record, error)
	InTimeRange(ctx context.Context, start, end string) ([]domain.Record, error)
	ByTemperatureOrHumidity(ctx context.Context, temperature, humidity float64) ([]domain.Record, error)
	SensorDataAt(ctx context.Context, timestamp string) (domain.SensorReading, bool, error)
	ByEnergyCost(ctx context.Context, cost float64) ([]domain.Record, error)
	ByEnergyConsume(ctx context.Context, consume float64) ([]domain.Record, error)
}

// Writer creates records idempotently per UUID.
type Writer interface {
	CreateRecords(ctx context.Context, batch []domain.Record) (domain.CreateResult, error)
}

// Admin holds privileged, destructive operations that never run as part of
// normal message dispatch.
type Admin interface {
	ResetCluster(ctx context.Context) error
}

type Store interface {
	Reader
	Writer
	Admin
	Close(ctx context.Context) error
}

// ValidateBatch rejects batches that must fail without contacting the store.
func ValidateBatch(batch []domain.Record) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	for _, r := range batch {
		if r.UUID == "" {
			return errors.New("record uuid is required")
		}
	}
	return nil
}
