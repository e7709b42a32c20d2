package neo4j

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telemetrygw/internal/domain"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/metrics"
	"telemetrygw/internal/storage"
)

// Client is the graph-backed record store. Writes go to the cluster primary,
// reads to the cluster reader.
type Client struct {
	handle  *Handle
	log     *zap.Logger
	metrics *metrics.Metrics
}

var _ storage.Store = (*Client)(nil)

func NewClient(handle *Handle, log *zap.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{handle: handle, log: log.Named("neo4j"), metrics: m}
}

func (c *Client) Close(ctx context.Context) error {
	return c.handle.Close(ctx)
}

func (c *Client) CreateRecords(ctx context.Context, batch []domain.Record) (domain.CreateResult, error) {
	if err := storage.ValidateBatch(batch); err != nil {
		return domain.CreateResult{}, errs.Validation("create_records", err)
	}

	seen := make(map[string]struct{}, len(batch))
	data := make([]map[string]any, 0, len(batch))
	for _, r := range batch {
		if _, dup := seen[r.UUID]; dup {
			continue
		}
		seen[r.UUID] = struct{}{}
		data = append(data, map[string]any{
			"uuid":           r.UUID,
			"color":          r.Color,
			"timestamp":      r.Timestamp,
			"energy_cost":    r.EnergyCost,
			"energy_consume": r.EnergyConsume,
			"temperature":    r.SensorData.Temperature,
			"humidity":       r.SensorData.Humidity,
		})
	}

	rows, err := c.write(ctx, Query{Name: "create_records", Cypher: createRecordsCypher, Params: map[string]any{"data": data}})
	if err != nil {
		return domain.CreateResult{}, err
	}
	res := domain.CreateResult{Created: len(rows), Skipped: len(batch) - len(rows)}
	c.metrics.RecordsCreated(res.Created)
	c.log.Debug("records created", zap.Int("created", res.Created), zap.Int("skipped", res.Skipped))
	return res, nil
}

func (c *Client) ByUUID(ctx context.Context, uuid string) (domain.Record, bool, error) {
	recs, err := c.records(ctx, Query{Name: "by_uuid", Cypher: byUUIDCypher, Params: map[string]any{"uuid": uuid}})
	if err != nil || len(recs) == 0 {
		return domain.Record{}, false, err
	}
	return recs[0], true, nil
}

func (c *Client) All(ctx context.Context) ([]domain.Record, error) {
	return c.records(ctx, Query{Name: "all", Cypher: allCypher})
}

func (c *Client) ByColor(ctx context.Context, color string) ([]domain.Record, error) {
	return c.records(ctx, Query{Name: "by_color", Cypher: byColorCypher, Params: map[string]any{"color": color}})
}

func (c *Client) InTimeRange(ctx context.Context, start, end string) ([]domain.Record, error) {
	return c.records(ctx, Query{Name: "in_time_range", Cypher: inTimeRangeCypher, Params: map[string]any{"start": start, "end": end}})
}

func (c *Client) ByTemperatureOrHumidity(ctx context.Context, temperature, humidity float64) ([]domain.Record, error) {
	return c.records(ctx, Query{
		Name:   "by_temperature_humidity",
		Cypher: byTemperatureOrHumidityCypher,
		Params: map[string]any{"temperature": temperature, "humidity": humidity},
	})
}

func (c *Client) SensorDataAt(ctx context.Context, timestamp string) (domain.SensorReading, bool, error) {
	rows, err := c.read(ctx, Query{Name: "sensor_data_at", Cypher: sensorDataAtCypher, Params: map[string]any{"timestamp": timestamp}})
	if err != nil || len(rows) == 0 {
		return domain.SensorReading{}, false, err
	}
	return domain.SensorReading{
		Timestamp:   timestamp,
		Temperature: asFloat(rows[0]["temperature"]),
		Humidity:    asFloat(rows[0]["humidity"]),
	}, true, nil
}

func (c *Client) ByEnergyCost(ctx context.Context, cost float64) ([]domain.Record, error) {
	return c.records(ctx, Query{Name: "by_energy_cost", Cypher: byEnergyCostCypher, Params: map[string]any{"energy_cost": cost}})
}

func (c *Client) ByEnergyConsume(ctx context.Context, consume float64) ([]domain.Record, error) {
	return c.records(ctx, Query{Name: "by_energy_consume", Cypher: byEnergyConsumeCypher, Params: map[string]any{"energy_consume": consume}})
}

// ResetCluster deletes every node and relationship on the primary, restores
// the uuid uniqueness constraint and drops the cached connections.
func (c *Client) ResetCluster(ctx context.Context) error {
	if _, err := c.write(ctx, Query{Name: "reset_wipe", Cypher: wipeCypher}); err != nil {
		return err
	}
	if _, err := c.write(ctx, Query{Name: "reset_constraint", Cypher: constraintCypher}); err != nil {
		return err
	}
	if err := c.handle.Reset(ctx); err != nil {
		c.log.Warn("close connections after reset", zap.Error(err))
	}
	c.log.Info("cluster reset")
	return nil
}

func (c *Client) records(ctx context.Context, q Query) ([]domain.Record, error) {
	rows, err := c.read(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeRecord(row))
	}
	return out, nil
}

func (c *Client) write(ctx context.Context, q Query) ([]map[string]any, error) {
	cluster, err := c.handle.Get(ctx)
	if err != nil {
		return nil, errs.Store(q.Name, err)
	}
	return c.run(ctx, cluster.Writer(), q)
}

func (c *Client) read(ctx context.Context, q Query) ([]map[string]any, error) {
	cluster, err := c.handle.Get(ctx)
	if err != nil {
		return nil, errs.Store(q.Name, err)
	}
	return c.run(ctx, cluster.Reader(), q)
}

func (c *Client) run(ctx context.Context, ex Executor, q Query) ([]map[string]any, error) {
	start := time.Now()
	rows, err := ex.Run(ctx, q)
	c.metrics.ObserveQuery(q.Name, time.Since(start), err)
	if err != nil {
		return nil, errs.Store(q.Name, err)
	}
	return rows, nil
}

func decodeRecord(row map[string]any) domain.Record {
	return domain.Record{
		UUID:          asString(row["uuid"]),
		Color:         asString(row["color"]),
		Timestamp:     asString(row["timestamp"]),
		EnergyCost:    asFloat(row["energy_cost"]),
		EnergyConsume: asFloat(row["energy_consume"]),
		SensorData: domain.SensorData{
			Temperature: asFloat(row["temperature"]),
			Humidity:    asFloat(row["humidity"]),
		},
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
