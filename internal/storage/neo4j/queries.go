package neo4j

const createRecordsCypher = `
UNWIND $data AS record
OPTIONAL MATCH (existing:UUID {id: record.uuid})
WITH record, existing
WHERE existing IS NULL

MERGE (uuid:UUID {id: record.uuid})
SET uuid.energy_consume = toFloat(record.energy_consume),
    uuid.energy_cost = toFloat(record.energy_cost)

MERGE (color:Color {value: record.color})
MERGE (uuid)-[:HAS_COLOR]->(color)

MERGE (temperature:Temperature {value: toFloat(record.temperature)})
MERGE (uuid)-[:HAS_TEMPERATURE]->(temperature)

MERGE (humidity:Humidity {value: toFloat(record.humidity)})
MERGE (uuid)-[:HAS_HUMIDITY]->(humidity)

MERGE (timestamp:Timestamp {value: record.timestamp})
MERGE (uuid)-[:HAS_TIMESTAMP]->(timestamp)

MERGE (timestamp)-[:SENSOR_DATA]->(temperature)
MERGE (timestamp)-[:SENSOR_DATA]->(humidity)

MERGE (energyCost:EnergyCost {value: toFloat(record.energy_cost)})
MERGE (uuid)-[:HAS_ENERGYCOST]->(energyCost)
MERGE (timestamp)-[:HAS_PRICE]->(energyCost)

MERGE (energyConsume:EnergyConsume {value: toFloat(record.energy_consume)})
MERGE (uuid)-[:HAS_ENERGYCONSUME]->(energyConsume)

RETURN uuid.id AS processed_uuid
`

// recordProjection expands a matched (u:UUID) into every record attribute.
const recordProjection = `
OPTIONAL MATCH (u)-[:HAS_COLOR]->(c:Color)
OPTIONAL MATCH (u)-[:HAS_TIMESTAMP]->(ts:Timestamp)
OPTIONAL MATCH (u)-[:HAS_TEMPERATURE]->(t:Temperature)
OPTIONAL MATCH (u)-[:HAS_HUMIDITY]->(h:Humidity)
RETURN u.id AS uuid, c.value AS color, ts.value AS timestamp,
       u.energy_cost AS energy_cost, u.energy_consume AS energy_consume,
       t.value AS temperature, h.value AS humidity
ORDER BY timestamp, uuid
`

var (
	byUUIDCypher = `MATCH (u:UUID {id: $uuid})` + recordProjection

	allCypher = `MATCH (u:UUID)` + recordProjection

	byColorCypher = `MATCH (u:UUID)-[:HAS_COLOR]->(:Color {value: $color})` + recordProjection

	inTimeRangeCypher = `
MATCH (u:UUID)-[:HAS_TIMESTAMP]->(f:Timestamp)
WHERE f.value >= $start AND f.value <= $end` + recordProjection

	byTemperatureOrHumidityCypher = `
MATCH (u:UUID)
WHERE EXISTS { (u)-[:HAS_TEMPERATURE]->(:Temperature {value: $temperature}) }
   OR EXISTS { (u)-[:HAS_HUMIDITY]->(:Humidity {value: $humidity}) }` + recordProjection

	byEnergyCostCypher = `MATCH (u:UUID)-[:HAS_ENERGYCOST]->(:EnergyCost {value: $energy_cost})` + recordProjection

	byEnergyConsumeCypher = `MATCH (u:UUID)-[:HAS_ENERGYCONSUME]->(:EnergyConsume {value: $energy_consume})` + recordProjection
)

const sensorDataAtCypher = `
MATCH (t:Timestamp {value: $timestamp})-[:SENSOR_DATA]->(temp:Temperature),
      (t)-[:SENSOR_DATA]->(hum:Humidity)
RETURN temp.value AS temperature, hum.value AS humidity
LIMIT 1
`

const (
	wipeCypher       = `MATCH (n) DETACH DELETE n`
	constraintCypher = `CREATE CONSTRAINT uuid_id IF NOT EXISTS FOR (u:UUID) REQUIRE u.id IS UNIQUE`
)
