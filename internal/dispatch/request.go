package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"telemetrygw/internal/domain"
	"telemetrygw/internal/errs"
)

// Request is one parsed inbound message. The set of implementations is
// closed; Dispatcher.execute switches over all of them.
type Request interface {
	// Operation is the message type and the response topic segment.
	Operation() string
	// Key is the optional trailing response topic segment.
	Key() string
	sealed()
}

type UUIDQuery struct{ UUID string }
type AllQuery struct{}
type ColorQuery struct{ Color string }
type TimeRangeQuery struct{ Start, End string }
type TemperatureHumidityQuery struct{ Temperature, Humidity float64 }
type TimestampQuery struct{ Timestamp string }
type EnergyCostQuery struct{ Cost float64 }
type EnergyConsumeQuery struct{ Consume float64 }
type CreateRecords struct{ Records []domain.Record }
type Command struct{ Name string }

// LegacyMessage is the free-text {"type":"message"} frame older socket
// clients send; it is logged and never answered.
type LegacyMessage struct{ Content string }

func (UUIDQuery) Operation() string                { return "uuid" }
func (AllQuery) Operation() string                 { return "all" }
func (ColorQuery) Operation() string               { return "color" }
func (TimeRangeQuery) Operation() string           { return "time_range" }
func (TemperatureHumidityQuery) Operation() string { return "temperature_humidity" }
func (TimestampQuery) Operation() string           { return "timestamp" }
func (EnergyCostQuery) Operation() string          { return "energy_cost" }
func (EnergyConsumeQuery) Operation() string       { return "energy_consume" }
func (CreateRecords) Operation() string            { return "data" }
func (Command) Operation() string                  { return "command" }
func (LegacyMessage) Operation() string            { return "message" }

func (q UUIDQuery) Key() string      { return q.UUID }
func (AllQuery) Key() string         { return "" }
func (q ColorQuery) Key() string     { return q.Color }
func (q TimeRangeQuery) Key() string { return q.Start + "_" + q.End }
func (q TemperatureHumidityQuery) Key() string {
	return formatNumber(q.Temperature) + "_" + formatNumber(q.Humidity)
}
func (q TimestampQuery) Key() string     { return q.Timestamp }
func (q EnergyCostQuery) Key() string    { return formatNumber(q.Cost) }
func (q EnergyConsumeQuery) Key() string { return formatNumber(q.Consume) }
func (CreateRecords) Key() string        { return "" }
func (q Command) Key() string            { return q.Name }
func (LegacyMessage) Key() string        { return "" }

func (UUIDQuery) sealed()                {}
func (AllQuery) sealed()                 {}
func (ColorQuery) sealed()               {}
func (TimeRangeQuery) sealed()           {}
func (TemperatureHumidityQuery) sealed() {}
func (TimestampQuery) sealed()           {}
func (EnergyCostQuery) sealed()          {}
func (EnergyConsumeQuery) sealed()       {}
func (CreateRecords) sealed()            {}
func (Command) sealed()                  {}
func (LegacyMessage) sealed()            {}

func formatNumber(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// TopicSafe reports whether key can be used as the trailing segment of a
// response topic: no level separator, no wildcard, no NUL.
func TopicSafe(key string) bool {
	return !strings.ContainsAny(key, "/+#\x00")
}

// envelope holds the raw fields of an inbound message before the type decides
// which of them are required and how they decode.
type envelope struct {
	Type        string          `json:"type"`
	ClientID    string          `json:"client_id"`
	Data        json.RawMessage `json:"data"`
	Start       json.RawMessage `json:"start"`
	End         json.RawMessage `json:"end"`
	Temperature json.RawMessage `json:"temperature"`
	Humidity    json.RawMessage `json:"humidity"`
	Command     json.RawMessage `json:"command"`
	Content     json.RawMessage `json:"content"`
}

// Message is an envelope whose targeting header has been read but whose body
// has not yet been validated.
type Message struct {
	Type     string
	ClientID string
	env      envelope
}

// Decode reads the envelope. Only malformed JSON fails here.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, errs.Protocol("decode", err)
	}
	return Message{Type: env.Type, ClientID: env.ClientID, env: env}, nil
}

// Request validates the type-specific fields and builds the variant.
func (m Message) Request() (Request, error) {
	e := m.env
	switch m.Type {
	case "uuid":
		var v string
		if err := field("data", e.Data, &v); err != nil {
			return nil, err
		}
		return UUIDQuery{UUID: v}, nil
	case "all":
		return AllQuery{}, nil
	case "color":
		var v string
		if err := field("data", e.Data, &v); err != nil {
			return nil, err
		}
		return ColorQuery{Color: v}, nil
	case "time_range":
		var q TimeRangeQuery
		if err := field("start", e.Start, &q.Start); err != nil {
			return nil, err
		}
		if err := field("end", e.End, &q.End); err != nil {
			return nil, err
		}
		return q, nil
	case "temperature_humidity":
		var q TemperatureHumidityQuery
		if err := field("temperature", e.Temperature, &q.Temperature); err != nil {
			return nil, err
		}
		if err := field("humidity", e.Humidity, &q.Humidity); err != nil {
			return nil, err
		}
		return q, nil
	case "timestamp":
		var v string
		if err := field("data", e.Data, &v); err != nil {
			return nil, err
		}
		return TimestampQuery{Timestamp: v}, nil
	case "energy_cost":
		var v float64
		if err := field("data", e.Data, &v); err != nil {
			return nil, err
		}
		return EnergyCostQuery{Cost: v}, nil
	case "energy_consume":
		var v float64
		if err := field("data", e.Data, &v); err != nil {
			return nil, err
		}
		return EnergyConsumeQuery{Consume: v}, nil
	case "data":
		var recs []domain.Record
		if err := field("data", e.Data, &recs); err != nil {
			return nil, err
		}
		return CreateRecords{Records: recs}, nil
	case "command":
		var v string
		if err := field("command", e.Command, &v); err != nil {
			return nil, err
		}
		return Command{Name: v}, nil
	case "message":
		var v string
		if len(e.Content) > 0 && json.Unmarshal(e.Content, &v) != nil {
			v = string(e.Content)
		}
		return LegacyMessage{Content: v}, nil
	default:
		return nil, errs.Protocol("parse", fmt.Errorf("%w %q", errs.ErrUnknownType, m.Type))
	}
}

// Parse decodes and validates in one step.
func Parse(raw []byte) (Request, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return m.Request()
}

func field(name string, raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errs.Validation("parse", fmt.Errorf("%w: %s", errs.ErrMissingField, name))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Validation("parse", fmt.Errorf("%w: %s: %v", errs.ErrMistypedField, name, err))
	}
	return nil
}
