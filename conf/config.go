package conf

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. TOADRUNNER_SERVER_PORT.
const EnvPrefix = "TOADRUNNER"

// Config is application config
type Config struct {
	Server  *ServerConfig  `json:"server" yaml:"server"`
	Runs    *RunsConfig    `json:"runs" yaml:"runs"`
	Engine  *EngineConfig  `json:"engine" yaml:"engine"`
	Stream  *StreamConfig  `json:"stream" yaml:"stream"`
	Cache   *CacheConfig   `json:"cache" yaml:"cache"`
	Logging *LoggingConfig `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `json:"port" yaml:"port"`
	Cert            string        `json:"cert" yaml:"cert"`
	Key             string        `json:"key" yaml:"key"`
	TLS             bool          `json:"tls" yaml:"tls"`
	RequestTimeout  time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	AllowedOrigins  []string      `json:"allowedOrigins" yaml:"allowedOrigins"`
	// RunRateLimit caps run submissions per second; zero disables the limit.
	RunRateLimit float64 `json:"runRateLimit" yaml:"runRateLimit"`
	RunBurst     int     `json:"runBurst" yaml:"runBurst"`
}

// RunsConfig bounds what the registry keeps per run and overall.
type RunsConfig struct {
	LogCapacity  int `json:"logCapacity" yaml:"logCapacity"`
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit"`
	// Retention is the maximum number of runs kept in memory; zero keeps every run.
	Retention int `json:"retention" yaml:"retention"`
}

type EngineConfig struct {
	TickInterval time.Duration `json:"tickInterval" yaml:"tickInterval"`
	// DefaultRate is the per-connection request rate used when a run sets no cap.
	DefaultRate int `json:"defaultRate" yaml:"defaultRate"`
}

type StreamConfig struct {
	KeepAlive    time.Duration `json:"keepAlive" yaml:"keepAlive"`
	ActivePoll   time.Duration `json:"activePoll" yaml:"activePoll"`
	TerminalPoll time.Duration `json:"terminalPoll" yaml:"terminalPoll"`
}

type CacheConfig struct {
	Size int `json:"size" yaml:"size"` // config size in bytes
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// SaneDefaults provides base config for running and testing
func SaneDefaults() *Config {
	var config = &Config{
		Server: &ServerConfig{
			Port:            "5055",
			Cert:            "certs/cert.crt",
			Key:             "certs/cert.key",
			TLS:             false,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    2 << 20,
			AllowedOrigins:  []string{"*"},
			RunRateLimit:    0,
			RunBurst:        5,
		},
		Runs: &RunsConfig{
			LogCapacity:  5000,
			HistoryLimit: 50,
			Retention:    0,
		},
		Engine: &EngineConfig{
			TickInterval: time.Second,
			DefaultRate:  100,
		},
		Stream: &StreamConfig{
			KeepAlive:    15 * time.Second,
			ActivePoll:   800 * time.Millisecond,
			TerminalPoll: 2500 * time.Millisecond,
		},
		Cache: &CacheConfig{
			Size: 16 << 20,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}

	return config
}

// defaults flattens SaneDefaults into viper keys.
func defaults() map[string]interface{} {
	d := SaneDefaults()
	return map[string]interface{}{
		"server.port":            d.Server.Port,
		"server.cert":            d.Server.Cert,
		"server.key":             d.Server.Key,
		"server.tls":             d.Server.TLS,
		"server.requestTimeout":  d.Server.RequestTimeout,
		"server.shutdownTimeout": d.Server.ShutdownTimeout,
		"server.maxBodyBytes":    d.Server.MaxBodyBytes,
		"server.allowedOrigins":  d.Server.AllowedOrigins,
		"server.runRateLimit":    d.Server.RunRateLimit,
		"server.runBurst":        d.Server.RunBurst,
		"runs.logCapacity":       d.Runs.LogCapacity,
		"runs.historyLimit":      d.Runs.HistoryLimit,
		"runs.retention":         d.Runs.Retention,
		"engine.tickInterval":    d.Engine.TickInterval,
		"engine.defaultRate":     d.Engine.DefaultRate,
		"stream.keepAlive":       d.Stream.KeepAlive,
		"stream.activePoll":      d.Stream.ActivePoll,
		"stream.terminalPoll":    d.Stream.TerminalPoll,
		"cache.size":             d.Cache.Size,
		"logging.level":          d.Logging.Level,
		"logging.pretty":         d.Logging.Pretty,
	}
}

// Load resolves a Config from v, layering config file and environment values
// over SaneDefaults.
func Load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	config.normalize()
	return config, nil
}

// normalize replaces nonsensical values with their defaults.
func (c *Config) normalize() {
	d := SaneDefaults()
	if c.Runs.LogCapacity <= 0 {
		c.Runs.LogCapacity = d.Runs.LogCapacity
	}
	if c.Runs.HistoryLimit <= 0 {
		c.Runs.HistoryLimit = d.Runs.HistoryLimit
	}
	if c.Runs.Retention < 0 {
		c.Runs.Retention = 0
	}
	if c.Engine.TickInterval <= 0 {
		c.Engine.TickInterval = d.Engine.TickInterval
	}
	if c.Engine.DefaultRate <= 0 {
		c.Engine.DefaultRate = d.Engine.DefaultRate
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.RunBurst <= 0 {
		c.Server.RunBurst = d.Server.RunBurst
	}
	if c.Stream.KeepAlive <= 0 {
		c.Stream.KeepAlive = d.Stream.KeepAlive
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = d.Server.RequestTimeout
	}
	if c.Stream.ActivePoll <= 0 {
		c.Stream.ActivePoll = d.Stream.ActivePoll
	}
	if c.Stream.TerminalPoll <= 0 {
		c.Stream.TerminalPoll = d.Stream.TerminalPoll
	}
}
