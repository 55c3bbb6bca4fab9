package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/rshmem/internal/cluster"
	"github.com/yuuki/rshmem/internal/nic"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/wire"
)

// Metrics exporters
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config holds the configuration of a loopback job
type Config struct {
	LogLevel       string
	PEs            uint32
	QPsPerPeer     uint32
	SQDepth        uint32
	WQESize        uint32
	CQESize        uint32
	CreditSlack    uint32
	NumPerPoll     uint32
	PollTimeout    time.Duration
	SpinIterations int
	DoorbellMode   string
	ServiceLevel   uint32
	HeapSize       uint64
	MaxMessageSize uint32
	Metrics        MetricsConfig
	Bench          BenchConfig
}

// MetricsConfig selects where transport metrics go
type MetricsConfig struct {
	Exporter          string
	OtelCollectorAddr string
	PrometheusAddr    string
}

// BenchConfig sizes the put benchmark
type BenchConfig struct {
	MessageSize uint32
	Messages    int
	Rate        int // posts per second per queue pair, 0 for unlimited
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"log-level":           "log_level",
	"pes":                 "pes",
	"qps-per-peer":        "qps_per_peer",
	"sq-depth":            "sq_depth",
	"credit-slack":        "credit_slack",
	"num-per-poll":        "num_per_poll",
	"poll-timeout":        "poll_timeout",
	"doorbell-mode":       "doorbell_mode",
	"heap-size":           "heap_size",
	"max-message-size":    "max_message_size",
	"metrics-exporter":    "metrics.exporter",
	"otel-collector-addr": "metrics.otel_collector_addr",
	"prometheus-addr":     "metrics.prometheus_addr",
	"message-size":        "bench.message_size",
	"messages":            "bench.messages",
	"rate":                "bench.rate",
}

// SetupFlags sets up the command line flags
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "rshmem.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Uint32("pes", 2, "Number of PEs in the job")
	flagSet.Uint32("qps-per-peer", 1, "Queue pairs from every PE to every other PE")
	flagSet.Uint32("sq-depth", 1024, "Send and completion queue depth (power of two)")
	flagSet.Uint32("credit-slack", rdma.DefaultCreditSlack, "Send queue slots kept free by flow control")
	flagSet.Uint32("num-per-poll", rdma.DefaultNumPerPoll, "Completions drained per backpressure poll")
	flagSet.Duration("poll-timeout", rdma.DefaultPollTimeout, "Deadline of a single completion poll")
	flagSet.String("doorbell-mode", "hardware", "Doorbell format (hardware, software)")
	flagSet.Uint64("heap-size", cluster.DefaultHeapSize, "Symmetric heap size per PE in bytes")
	flagSet.Uint32("max-message-size", rdma.DefaultMaxMessageSize, "Largest transfer of a single work entry")
	flagSet.String("metrics-exporter", ExporterNone, "Metrics exporter (none, otlp, prometheus)")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address (grpc://host:port or http://host:port)")
	flagSet.String("prometheus-addr", ":9464", "Listen address of the Prometheus metrics endpoint")
	flagSet.Uint32("message-size", 4096, "Benchmark message size in bytes")
	flagSet.Int("messages", 10000, "Benchmark messages per queue pair")
	flagSet.Int("rate", 0, "Benchmark posts per second per queue pair (0 for unlimited)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("pes", 2)
	v.SetDefault("qps_per_peer", 1)
	v.SetDefault("sq_depth", 1024)
	v.SetDefault("wqe_size", wire.WorkEntrySize)
	v.SetDefault("cqe_size", wire.CompletionEntrySize)
	v.SetDefault("credit_slack", rdma.DefaultCreditSlack)
	v.SetDefault("num_per_poll", rdma.DefaultNumPerPoll)
	v.SetDefault("poll_timeout", rdma.DefaultPollTimeout)
	v.SetDefault("spin_iterations", rdma.DefaultSpinIterations)
	v.SetDefault("doorbell_mode", "hardware")
	v.SetDefault("service_level", 0)
	v.SetDefault("heap_size", cluster.DefaultHeapSize)
	v.SetDefault("max_message_size", rdma.DefaultMaxMessageSize)
	v.SetDefault("metrics.exporter", ExporterNone)
	v.SetDefault("metrics.otel_collector_addr", "localhost:4317")
	v.SetDefault("metrics.prometheus_addr", ":9464")
	v.SetDefault("bench.message_size", 4096)
	v.SetDefault("bench.messages", 10000)
	v.SetDefault("bench.rate", 0)
}

// Load loads the configuration from flags, environment variables and an
// optional config file, in that order of precedence
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("RSHMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind command line flags
	if flagSet != nil {
		for name, key := range flagKeys {
			if f := flagSet.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	var configPath string
	if flagSet != nil {
		configPath, _ = flagSet.GetString("config")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		// Look for config in default locations
		v.SetConfigName("rshmem")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rshmem")
		v.AddConfigPath("/etc/rshmem")

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file is not found, but other errors should be handled
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{
		LogLevel:       v.GetString("log_level"),
		PEs:            v.GetUint32("pes"),
		QPsPerPeer:     v.GetUint32("qps_per_peer"),
		SQDepth:        v.GetUint32("sq_depth"),
		WQESize:        v.GetUint32("wqe_size"),
		CQESize:        v.GetUint32("cqe_size"),
		CreditSlack:    v.GetUint32("credit_slack"),
		NumPerPoll:     v.GetUint32("num_per_poll"),
		PollTimeout:    v.GetDuration("poll_timeout"),
		SpinIterations: v.GetInt("spin_iterations"),
		DoorbellMode:   v.GetString("doorbell_mode"),
		ServiceLevel:   v.GetUint32("service_level"),
		HeapSize:       v.GetUint64("heap_size"),
		MaxMessageSize: v.GetUint32("max_message_size"),
		Metrics: MetricsConfig{
			Exporter:          strings.ToLower(v.GetString("metrics.exporter")),
			OtelCollectorAddr: v.GetString("metrics.otel_collector_addr"),
			PrometheusAddr:    v.GetString("metrics.prometheus_addr"),
		},
		Bench: BenchConfig{
			MessageSize: v.GetUint32("bench.message_size"),
			Messages:    v.GetInt("bench.messages"),
			Rate:        v.GetInt("bench.rate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the ring geometry and the value ranges
func (c *Config) Validate() error {
	if c.PEs < 2 {
		return fmt.Errorf("pes must be at least 2, got %d", c.PEs)
	}
	if c.QPsPerPeer == 0 {
		return fmt.Errorf("qps_per_peer must be at least 1")
	}
	if c.SQDepth == 0 || c.SQDepth&(c.SQDepth-1) != 0 {
		return fmt.Errorf("sq_depth must be a power of two, got %d", c.SQDepth)
	}
	if c.CreditSlack >= c.SQDepth {
		return fmt.Errorf("credit_slack %d must be below sq_depth %d", c.CreditSlack, c.SQDepth)
	}
	if c.NumPerPoll == 0 {
		return fmt.Errorf("num_per_poll must be at least 1")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout)
	}
	if c.WQESize < wire.WorkEntrySize || c.WQESize%8 != 0 {
		return fmt.Errorf("wqe_size must be a multiple of 8 and at least %d, got %d", wire.WorkEntrySize, c.WQESize)
	}
	if c.CQESize < wire.CompletionEntrySize || c.CQESize%8 != 0 {
		return fmt.Errorf("cqe_size must be a multiple of 8 and at least %d, got %d", wire.CompletionEntrySize, c.CQESize)
	}
	mode, err := wire.ParseDoorbellMode(c.DoorbellMode)
	if err != nil {
		return err
	}
	if mode == wire.DoorbellHardware && c.SQDepth > wire.MaxHardwareSQDepth {
		return fmt.Errorf("sq_depth %d exceeds %d, the deepest ring a hardware doorbell addresses", c.SQDepth, wire.MaxHardwareSQDepth)
	}
	if mode == wire.DoorbellHardware && c.SQDepth == wire.MaxHardwareSQDepth && c.CreditSlack == 0 {
		return fmt.Errorf("credit_slack must be at least 1 for a hardware doorbell ring of depth %d", c.SQDepth)
	}
	if c.ServiceLevel > 0xFF {
		return fmt.Errorf("service_level must fit in 8 bits, got %d", c.ServiceLevel)
	}
	if c.HeapSize == 0 {
		return fmt.Errorf("heap_size must be positive")
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	switch c.Metrics.Exporter {
	case ExporterNone, ExporterOTLP, ExporterPrometheus:
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Metrics.Exporter)
	}
	if c.Bench.MessageSize == 0 {
		return fmt.Errorf("bench message_size must be positive")
	}
	if uint64(c.Bench.MessageSize) > c.HeapSize {
		return fmt.Errorf("bench message_size %d exceeds heap_size %d", c.Bench.MessageSize, c.HeapSize)
	}
	if c.Bench.Messages < 0 || c.Bench.Rate < 0 {
		return fmt.Errorf("bench messages and rate must not be negative")
	}
	return nil
}

// EngineOptions returns the transport engine options
func (c *Config) EngineOptions() rdma.Options {
	return rdma.Options{
		CreditSlack:    c.CreditSlack,
		NumPerPoll:     c.NumPerPoll,
		PollTimeout:    c.PollTimeout,
		SpinIterations: c.SpinIterations,
		MaxMessageSize: c.MaxMessageSize,
	}
}

// QueueConfig returns the ring geometry of every queue pair
func (c *Config) QueueConfig() nic.QueueConfig {
	mode, _ := wire.ParseDoorbellMode(c.DoorbellMode)
	return nic.QueueConfig{
		Depth:               c.SQDepth,
		WorkEntrySize:       c.WQESize,
		CompletionEntrySize: c.CQESize,
		DoorbellMode:        mode,
		ServiceLevel:        uint8(c.ServiceLevel),
	}
}

// ClusterConfig returns the cluster bring-up configuration
func (c *Config) ClusterConfig(metrics rdma.MetricHook) cluster.Config {
	return cluster.Config{
		PEs:        c.PEs,
		QPsPerPeer: c.QPsPerPeer,
		HeapSize:   c.HeapSize,
		Queue:      c.QueueConfig(),
		Engine:     c.EngineOptions(),
		Metrics:    metrics,
	}
}

// WriteDefaultConfig writes a default configuration file
func WriteDefaultConfig(path string) error {
	// Default config content
	configContent := `# rshmem configuration
log_level: "info" # trace, debug, info, warn, error

# Job layout
pes: 2
qps_per_peer: 1
heap_size: 1048576

# Rings
sq_depth: 1024 # power of two, completion queues use the same depth
wqe_size: 48
cqe_size: 32
doorbell_mode: "hardware" # hardware, software
service_level: 0

# Transport engine
credit_slack: 10
num_per_poll: 100
poll_timeout: "5s"
spin_iterations: 1024
max_message_size: 1073741824

metrics:
  exporter: "none" # none, otlp, prometheus
  otel_collector_addr: "localhost:4317"
  prometheus_addr: ":9464"

bench:
  message_size: 4096
  messages: 10000
  rate: 0 # posts per second per queue pair, 0 for unlimited
`

	return writeConfigFile(path, configContent)
}
