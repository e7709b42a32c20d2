package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"telemetrygw/internal/broker"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/ingest/kafka"
	"telemetrygw/internal/ingest/mqtt"
	"telemetrygw/internal/ingest/rabbitmq"
	"telemetrygw/internal/ingest/socket"
	"telemetrygw/internal/logging"
	"telemetrygw/internal/storage/neo4j"
)

const (
	BackendNeo4j  = "neo4j"
	BackendSQLite = "sqlite"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Socket   SocketConfig   `mapstructure:"socket"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Store    StoreConfig    `mapstructure:"store"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SocketConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Network     string        `mapstructure:"network"`
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
}

type MQTTConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Broker         string         `mapstructure:"broker"`
	Username       string         `mapstructure:"username"`
	Password       string         `mapstructure:"password"`
	ClientPrefix   string         `mapstructure:"client_prefix"`
	SharedTopic    string         `mapstructure:"shared_topic"`
	ResponseBase   string         `mapstructure:"response_base"`
	DiscoveryTopic string         `mapstructure:"discovery_topic"`
	SubscribeQoS   int            `mapstructure:"subscribe_qos"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	AckTimeout     time.Duration  `mapstructure:"ack_timeout"`
	KeepAlive      time.Duration  `mapstructure:"keep_alive"`
	Ceiling        int            `mapstructure:"ceiling"`
	Backoff        BackoffConfig  `mapstructure:"backoff"`
	Embedded       EmbeddedConfig `mapstructure:"embedded"`
}

type BackoffConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	StableAfter time.Duration `mapstructure:"stable_after"`
}

type EmbeddedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type Neo4jConfig struct {
	PrimaryURI    string   `mapstructure:"primary_uri"`
	SecondaryURIs []string `mapstructure:"secondary_uris"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	Database      string   `mapstructure:"database"`
}

type SQLiteConfig struct {
	Dir string `mapstructure:"dir"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	ClientID      string   `mapstructure:"client_id"`
	Workers       int      `mapstructure:"workers"`
	ReplyTopic    string   `mapstructure:"reply_topic"`
	SASLUsername  string   `mapstructure:"sasl_username"`
	SASLPassword  string   `mapstructure:"sasl_password"`
	TLS           bool     `mapstructure:"tls"`
	TLSSkipVerify bool     `mapstructure:"tls_skip_verify"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	ReplyExchange string   `mapstructure:"reply_exchange"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// legacyEnv maps the environment names the gateway has always read onto
// configuration keys.
var legacyEnv = map[string]string{
	"socket.password":    "SERVER_PASSWORD",
	"mqtt.username":      "MQTT_USER",
	"mqtt.password":      "MQTT_PASSWORD",
	"neo4j.primary_uri":  "NEO4J_URI_WRITE_1",
	"neo4j.username":     "DATABASE_USER",
	"neo4j.password":     "DATABASE_PASSWORD",
	"neo4j.legacy_read":  "NEO4J_URI_READ_3",
	"neo4j.legacy_write": "NEO4J_URI_WRITE_2",
}

// Load reads path (when it exists) and the environment. flags, when non-nil,
// override both.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("telemetry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "TELEMETRY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, errs.Configuration("bind env", err)
		}
	}

	setDefaults(v)

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return Config{}, errs.Configuration("bind flag", err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !missingFile(err) {
			return Config{}, errs.Configuration("read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Configuration("unmarshal config", err)
	}
	if len(cfg.Neo4j.SecondaryURIs) == 0 {
		for _, key := range []string{"neo4j.legacy_read", "neo4j.legacy_write"} {
			if uri := v.GetString(key); uri != "" {
				cfg.Neo4j.SecondaryURIs = append(cfg.Neo4j.SecondaryURIs, uri)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func missingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("socket.enabled", true)
	v.SetDefault("socket.network", "tcp")
	v.SetDefault("socket.address", ":12345")
	v.SetDefault("socket.auth_timeout", "30s")
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://mosquitto-broker:1883")
	v.SetDefault("mqtt.username", "admin")
	v.SetDefault("mqtt.password", "admin")
	v.SetDefault("mqtt.client_prefix", "telemetry-gw-")
	v.SetDefault("mqtt.shared_topic", "shared-topic")
	v.SetDefault("mqtt.response_base", "response")
	v.SetDefault("mqtt.discovery_topic", "discovery")
	v.SetDefault("mqtt.subscribe_qos", 1)
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.ack_timeout", "10s")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.ceiling", 8192)
	v.SetDefault("mqtt.backoff.initial", "500ms")
	v.SetDefault("mqtt.backoff.max", "30s")
	v.SetDefault("mqtt.backoff.stable_after", "1m")
	v.SetDefault("mqtt.embedded.enabled", false)
	v.SetDefault("mqtt.embedded.address", "127.0.0.1:1883")
	v.SetDefault("mqtt.embedded.username", "")
	v.SetDefault("mqtt.embedded.password", "")
	v.SetDefault("store.backend", BackendNeo4j)
	v.SetDefault("neo4j.secondary_uris", []string{})
	v.SetDefault("neo4j.database", "")
	v.SetDefault("sqlite.dir", "data")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topics", []string{"telemetry"})
	v.SetDefault("kafka.group_id", "telemetry-gw")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.reply_topic", "")
	v.SetDefault("kafka.client_id", "")
	v.SetDefault("kafka.sasl_username", "")
	v.SetDefault("kafka.sasl_password", "")
	v.SetDefault("kafka.tls", false)
	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "telemetry")
	v.SetDefault("rabbitmq.queue", "telemetry.ingest")
	v.SetDefault("rabbitmq.prefetch_count", 16)
	v.SetDefault("rabbitmq.workers", 1)
	v.SetDefault("rabbitmq.reply_exchange", "")
	v.SetDefault("rabbitmq.username", "")
	v.SetDefault("rabbitmq.password", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

func (c Config) Validate() error {
	if err := c.Logging().Validate(); err != nil {
		return errs.Configuration("log", err)
	}
	if c.Socket.Enabled {
		if c.Socket.Password == "" {
			return errs.Configuration("socket", errors.New("socket.password (SERVER_PASSWORD) is required"))
		}
		if c.Socket.Address == "" {
			return errs.Configuration("socket", errors.New("socket.address is required"))
		}
	}
	if c.MQTT.SubscribeQoS < 0 || c.MQTT.SubscribeQoS > 2 {
		return errs.Configuration("mqtt", fmt.Errorf("mqtt.subscribe_qos %d out of range", c.MQTT.SubscribeQoS))
	}
	if err := c.Session().Validate(); err != nil {
		return errs.Configuration("mqtt", err)
	}
	if err := c.EmbeddedBroker().Validate(); err != nil {
		return errs.Configuration("mqtt.embedded", err)
	}
	switch c.Store.Backend {
	case BackendNeo4j:
		if err := c.Graph().Validate(); err != nil {
			return errs.Configuration("neo4j", err)
		}
	case BackendSQLite:
		if c.SQLite.Dir == "" {
			return errs.Configuration("sqlite", errors.New("sqlite.dir is required"))
		}
	default:
		return errs.Configuration("store", fmt.Errorf("store.backend %q must be neo4j or sqlite", c.Store.Backend))
	}
	if err := c.KafkaAdapter().Validate(); err != nil {
		return errs.Configuration("kafka", err)
	}
	if err := c.RabbitMQAdapter().Validate(); err != nil {
		return errs.Configuration("rabbitmq", err)
	}
	if !c.Socket.Enabled && !c.MQTT.Enabled && !c.Kafka.Enabled && !c.RabbitMQ.Enabled {
		return errs.Configuration("ingest", errors.New("at least one transport must be enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errs.Configuration("metrics", errors.New("metrics.address is required"))
	}
	return nil
}

func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

func (c Config) SocketServer() socket.Config {
	return socket.Config{Network: c.Socket.Network, Address: c.Socket.Address, Password: c.Socket.Password, AuthTimeout: c.Socket.AuthTimeout}
}

func (c Config) Session() mqtt.Config {
	return mqtt.Config{
		Enabled:        c.MQTT.Enabled,
		Broker:         c.MQTT.Broker,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		ClientPrefix:   c.MQTT.ClientPrefix,
		SharedTopic:    c.MQTT.SharedTopic,
		ResponseBase:   c.MQTT.ResponseBase,
		DiscoveryTopic: c.MQTT.DiscoveryTopic,
		SubscribeQoS:   byte(c.MQTT.SubscribeQoS),
		ConnectTimeout: c.MQTT.ConnectTimeout,
		AckTimeout:     c.MQTT.AckTimeout,
		KeepAlive:      c.MQTT.KeepAlive,
		Ceiling:        c.MQTT.Ceiling,
		Backoff: mqtt.BackoffConfig{
			Initial:     c.MQTT.Backoff.Initial,
			Max:         c.MQTT.Backoff.Max,
			StableAfter: c.MQTT.Backoff.StableAfter,
		},
	}
}

func (c Config) EmbeddedBroker() broker.Config {
	return broker.Config{
		Enabled:  c.MQTT.Embedded.Enabled,
		Address:  c.MQTT.Embedded.Address,
		Username: c.MQTT.Embedded.Username,
		Password: c.MQTT.Embedded.Password,
	}
}

func (c Config) Graph() neo4j.Config {
	return neo4j.Config{
		PrimaryURI:    c.Neo4j.PrimaryURI,
		SecondaryURIs: c.Neo4j.SecondaryURIs,
		Username:      c.Neo4j.Username,
		Password:      c.Neo4j.Password,
		Database:      c.Neo4j.Database,
	}
}

func (c Config) KafkaAdapter() kafka.Config {
	return kafka.Config{
		Enabled:      c.Kafka.Enabled,
		Brokers:      c.Kafka.Brokers,
		Topics:       c.Kafka.Topics,
		GroupID:      c.Kafka.GroupID,
		ClientID:     c.Kafka.ClientID,
		WorkerCount:  c.Kafka.Workers,
		ReplyTopic:   c.Kafka.ReplyTopic,
		ResponseBase: c.MQTT.ResponseBase,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: c.Kafka.SASLUsername != "", Username: c.Kafka.SASLUsername, Password: c.Kafka.SASLPassword},
			TLS:  kafka.TLSConfig{Enabled: c.Kafka.TLS, InsecureSkipVerify: c.Kafka.TLSSkipVerify},
		},
	}
}

func (c Config) RabbitMQAdapter() rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       c.RabbitMQ.Enabled,
		URL:           c.RabbitMQ.URL,
		Endpoints:     c.RabbitMQ.Endpoints,
		Exchange:      c.RabbitMQ.Exchange,
		Queue:         c.RabbitMQ.Queue,
		RoutingKeys:   c.RabbitMQ.RoutingKeys,
		ConsumerTag:   c.RabbitMQ.ConsumerTag,
		PrefetchCount: c.RabbitMQ.PrefetchCount,
		Workers:       c.RabbitMQ.Workers,
		DeliveryQueue: 4 * max(c.RabbitMQ.Workers, 1),
		ReplyExchange: c.RabbitMQ.ReplyExchange,
		ResponseBase:  c.MQTT.ResponseBase,
		Auth:          rabbitmq.AuthConfig{Username: c.RabbitMQ.Username, Password: c.RabbitMQ.Password},
	}
}
