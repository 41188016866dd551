// The config package loads daemon configuration from a file with
// environment overrides (prefix NNTSC_).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the NNTSC daemon.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Influx     InfluxConfig     `mapstructure:"influx"`
	Broker     BrokerConfig     `mapstructure:"amp"`
	LiveExport LiveExportConfig `mapstructure:"liveexport"`
	Server     ServerConfig     `mapstructure:"server"`
	RRD        RRDConfig        `mapstructure:"rrd"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig describes the relational store connection.
type DatabaseConfig struct {
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"` // empty means unix socket
	Port     int    `mapstructure:"port"`
	// CacheTime bounds how long stream first/last timestamps may be
	// served from the cache before reconsulting the store. Zero keeps
	// entries until invalidated.
	CacheTime time.Duration `mapstructure:"cachetime"`
}

// ConnString builds a lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	parts := []string{"dbname=" + d.Name, "sslmode=disable"}
	if d.User != "" {
		parts = append(parts, "user="+d.User)
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	if d.Host != "" {
		parts = append(parts, "host="+d.Host)
	}
	if d.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", d.Port))
	}
	return strings.Join(parts, " ")
}

// InfluxConfig describes the optional time-series store mirror.
type InfluxConfig struct {
	Enabled         bool   `mapstructure:"useinflux"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	RetentionPolicy string `mapstructure:"retention_policy"`
}

// BrokerConfig describes the measurement message source.
type BrokerConfig struct {
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Queue      string `mapstructure:"queue"`
	CommitFreq int    `mapstructure:"commitfreq"`
}

// URL builds the broker connection URL.
func (b BrokerConfig) URL() string {
	auth := ""
	if b.Username != "" {
		auth = b.Username
		if b.Password != "" {
			auth += ":" + b.Password
		}
		auth += "@"
	}
	return fmt.Sprintf("nats://%s%s:%d", auth, b.Host, b.Port)
}

// LiveExportConfig controls the export bus.
type LiveExportConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	QueueLength int    `mapstructure:"queuelength"`
	Exchange    string `mapstructure:"exchange"`
}

// ServerConfig describes the client-facing TCP listener.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	SendQueueSize int    `mapstructure:"send_queue_size"`
}

// RRDConfig points at the RRD list file and controls poll timing.
type RRDConfig struct {
	List         string        `mapstructure:"rrdlist"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryWait    time.Duration `mapstructure:"retry_wait"`
}

// MetricsConfig controls the prometheus/pprof sidecar listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls the zerolog level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the named configuration file, applying documented defaults
// and NNTSC_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("database.name", "nntsc")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.cachetime", time.Duration(0))

	v.SetDefault("influx.useinflux", false)
	v.SetDefault("influx.name", "nntsc")
	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", 8086)
	v.SetDefault("influx.retention_policy", "default")

	v.SetDefault("amp.username", "amp")
	v.SetDefault("amp.password", "")
	v.SetDefault("amp.host", "localhost")
	v.SetDefault("amp.port", 5672)
	v.SetDefault("amp.queue", "amp-nntsc")
	v.SetDefault("amp.commitfreq", 50)

	v.SetDefault("liveexport.enabled", true)
	v.SetDefault("liveexport.queuelength", 10000)
	v.SetDefault("liveexport.exchange", "nntsc.export")

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 61234)
	v.SetDefault("server.send_queue_size", 256)

	v.SetDefault("rrd.rrdlist", "")
	v.SetDefault("rrd.poll_interval", 30*time.Second)
	v.SetDefault("rrd.retry_wait", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("NNTSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
