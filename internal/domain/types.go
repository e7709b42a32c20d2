package domain

// SensorData is the nested temperature/humidity pair of a telemetry record.
type SensorData struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Record is the persisted telemetry unit, identified by UUID.
type Record struct {
	UUID          string     `json:"uuid"`
	Color         string     `json:"color"`
	Timestamp     string     `json:"timestamp"`
	EnergyCost    float64    `json:"energy_cost"`
	EnergyConsume float64    `json:"energy_consume"`
	SensorData    SensorData `json:"sensor_data"`
}

// SensorReading is the temperature/humidity pair recorded at one timestamp.
type SensorReading struct {
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// CreateResult reports how a bulk create was applied. Skipped counts records
// whose UUID already existed.
type CreateResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

func (r CreateResult) Success() bool { return r.Created > 0 }
