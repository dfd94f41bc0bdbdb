package config

import (
	"time"

	"github.com/mohitkumar/dripflow/analytics"
)

type StorageType string

const STORAGE_TYPE_MONGO StorageType = "mongo"
const STORAGE_TYPE_INMEM StorageType = "memory"

type EncoderDecoderType string

const JSON_ENCODER_DECODER EncoderDecoderType = "json"
const MSGPACK_ENCODER_DECODER EncoderDecoderType = "msgpack"

type Config struct {
	HttpPort           int
	StorageType        StorageType
	MongoConfig        MongoStorageConfig
	RedisConfig        RedisLeaseConfig
	NatsConfig         NatsConfig
	EncoderDecoderType EncoderDecoderType
	SchedulerConfig    SchedulerConfig
	ExecutorConfig     ExecutorConfig
	LogConfig          LogConfig
	FlowCacheTTL       time.Duration
	AnalyticsConfig    analytics.DataCollectorConfig
}

type MongoStorageConfig struct {
	Uri      string
	Database string
}

// RedisLeaseConfig moves the per-contact claim out of the contact store when
// Addrs is set.
type RedisLeaseConfig struct {
	Addrs     []string
	Namespace string
	Password  string
}

func (c RedisLeaseConfig) Enabled() bool {
	for _, a := range c.Addrs {
		if len(a) > 0 {
			return true
		}
	}
	return false
}

// NatsConfig enables the tracking consumer when Url is set.
type NatsConfig struct {
	Url     string
	Subject string
	Queue   string
}

type SchedulerConfig struct {
	TickInterval time.Duration
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
	Disabled     bool
}

type ExecutorConfig struct {
	MaxStepsPerRun                  int
	WebhookTimeout                  time.Duration
	ContinueOnTransientEmailFailure bool
	ContinueOnWebhookFailure        bool
	ContinueOnActionFailure         bool
}

type LogConfig struct {
	Level  string
	Format string
}
