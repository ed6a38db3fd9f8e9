package types

// Config is the top-level YAML configuration.
type Config struct {
	SyncInterval string            `yaml:"syncInterval,omitempty" json:"syncInterval,omitempty"` // e.g. "6h"
	Timezone     string            `yaml:"timezone,omitempty" json:"timezone,omitempty"`         // display only, never watermark math
	TokenDir     string            `yaml:"tokenDir,omitempty" json:"tokenDir,omitempty"`
	Fitbit       FitbitConfig      `yaml:"fitbit" json:"fitbit"`
	Omron        OmronConfig       `yaml:"omron" json:"omron"`
	Garmin       GarminConfig      `yaml:"garmin" json:"garmin"`
	Store        StoreConfig       `yaml:"store" json:"store"`
	Server       *ServerConfig     `yaml:"server,omitempty" json:"server,omitempty"`
	Retry        *RetryPolicy      `yaml:"retry,omitempty" json:"retry,omitempty"`
	RateLimits   map[ServiceName]RateLimitConfig `yaml:"rateLimits,omitempty" json:"rateLimits,omitempty"`
	Bounds       map[MetricType]Bounds           `yaml:"bounds,omitempty" json:"bounds,omitempty"`
	Notify       []NotifyConfig    `yaml:"notify,omitempty" json:"notify,omitempty"`
	Log          LogConfig         `yaml:"log,omitempty" json:"log,omitempty"`
	RunLogLimit  int               `yaml:"runLogLimit,omitempty" json:"runLogLimit,omitempty"`
	RunLockTTL   string            `yaml:"runLockTtl,omitempty" json:"runLockTtl,omitempty"` // e.g. "30m"
}

// FitbitConfig holds Fitbit OAuth application credentials.
type FitbitConfig struct {
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`
}

// OmronConfig holds Omron Connect account credentials.
type OmronConfig struct {
	Email       string `yaml:"email" json:"email"`
	Password    string `yaml:"password" json:"password"`
	CountryCode string `yaml:"countryCode" json:"countryCode"`
	UserNumber  int    `yaml:"userNumber,omitempty" json:"userNumber,omitempty"` // device slot, default 1
}

// GarminConfig holds Garmin Connect account credentials.
type GarminConfig struct {
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig selects and configures the watermark store backend.
type StoreConfig struct {
	Backend  string          `yaml:"backend" json:"backend"` // file | sqlite | dynamodb
	Path     string          `yaml:"path,omitempty" json:"path,omitempty"`
	DSN      string          `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	DynamoDB *DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
}

// DynamoDBConfig holds DynamoDB connection and table settings.
type DynamoDBConfig struct {
	TableName   string `yaml:"tableName" json:"tableName"`
	Region      string `yaml:"region" json:"region"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	CreateTable bool   `yaml:"createTable,omitempty" json:"createTable,omitempty"`
}

// ServerConfig holds status HTTP server settings.
type ServerConfig struct {
	Addr           string `yaml:"addr" json:"addr"`
	AuthToken      string `yaml:"authToken,omitempty" json:"authToken,omitempty"`
	MaxRequestBody int64  `yaml:"maxRequestBody,omitempty" json:"maxRequestBody,omitempty"`
}

// RateLimitConfig is a per-service token bucket policy.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate" json:"rate"` // tokens per second
	Burst int     `yaml:"burst" json:"burst"`
}

// Bounds is the plausible value range for one metric type.
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// NotifyConfig defines a run notification sink.
type NotifyConfig struct {
	Type      NotifyType `yaml:"type" json:"type"`
	Path      string     `yaml:"path,omitempty" json:"path,omitempty"`
	URL       string     `yaml:"url,omitempty" json:"url,omitempty"`
	Secret    string     `yaml:"secret,omitempty" json:"secret,omitempty"`
	TopicARN  string     `yaml:"topicArn,omitempty" json:"topicArn,omitempty"`
	OnSuccess bool       `yaml:"onSuccess,omitempty" json:"onSuccess,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`   // debug | info | warn | error
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // text | json
}
