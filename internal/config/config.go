// Package config loads the runtime's configuration. Precedence: CLI flag >
// environment variable > .env file > default. Environment parsing goes
// through caarlos0/env struct tags; .env seeding through godotenv; CLI
// flags overlay the parsed struct afterward.
package config

import (
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitArgError    = 1
	ExitBindError   = 2
	ExitReactorInit = 3
)

// Config is the explicit runtime configuration struct every worker borrows
// immutably after startup; there is no global mutable configuration state.
type Config struct {
	// Bind
	Address string `env:"ADDRESS" envDefault:"0.0.0.0"`
	Port    int    `env:"PORT" envDefault:"3000"`

	// Process model
	Threads int `env:"THREADS" envDefault:"0"` // async callback threads; 0 = NumCPU
	Workers int `env:"WORKERS" envDefault:"1"` // worker processes; negative = ncpu + N

	// HTTP limits
	MaxRequestLine   int           `env:"IONRELAY_MAX_REQUEST_LINE" envDefault:"8192"`
	MaxHeaderBytes   int           `env:"IONRELAY_MAX_HEADER_BYTES" envDefault:"32768"`
	MaxBodyBytes     int64         `env:"IONRELAY_MAX_BODY_BYTES" envDefault:"52428800"` // 50MB
	MaxWSMessage     int64         `env:"IONRELAY_MAX_WS_MESSAGE" envDefault:"262144"`   // 256KB
	KeepAliveTimeout time.Duration `env:"IONRELAY_KEEPALIVE" envDefault:"40s"`
	PingInterval     time.Duration `env:"IONRELAY_PING" envDefault:"40s"`
	StaticMaxAge     int           `env:"IONRELAY_MAX_AGE" envDefault:"3600"`
	MaxPending       int           `env:"IONRELAY_MAX_PENDING" envDefault:"4194304"` // outbound high-water mark, bytes

	// Static files
	PublicFolder string `env:"IONRELAY_PUBLIC" envDefault:""`

	// TLS
	TLSSelfSigned bool   `env:"IONRELAY_TLS_SELF_SIGNED" envDefault:"false"`
	TLSCert       string `env:"IONRELAY_TLS_CERT" envDefault:""`
	TLSKey        string `env:"IONRELAY_TLS_KEY" envDefault:""`
	TLSName       string `env:"IONRELAY_TLS_NAME" envDefault:""`
	TLSPass       string `env:"IONRELAY_TLS_PASS" envDefault:""`

	// Cluster
	Secret        string `env:"SECRET" envDefault:""`
	SecretLength  int    `env:"SECRET_LENGTH" envDefault:"0"`
	BroadcastPort int    `env:"IONRELAY_BROADCAST_PORT" envDefault:"0"`

	// Capacity
	MaxConnections     int     `env:"IONRELAY_MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines      int     `env:"IONRELAY_MAX_GOROUTINES" envDefault:"50000"`
	CPURejectThreshold float64 `env:"IONRELAY_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	CPUPauseThreshold  float64 `env:"IONRELAY_CPU_PAUSE_THRESHOLD" envDefault:"90.0"`
	MaxPublishRate     int     `env:"IONRELAY_MAX_PUBLISH_RATE" envDefault:"10000"`
	MaxEngineRate      int     `env:"IONRELAY_MAX_ENGINE_RATE" envDefault:"5000"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"IONRELAY_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// NATS engine (optional external pub/sub backend)
	NATSUrl          string `env:"NATS_URL" envDefault:""`
	NATSStreamName   string `env:"NATS_STREAM" envDefault:"IONRELAY"`
	NATSConsumerName string `env:"NATS_CONSUMER" envDefault:"ionrelay-worker"`

	// Observability
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	LogRequests     bool          `env:"IONRELAY_LOG_REQUESTS" envDefault:"false"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	MetricsPort     int           `env:"METRICS_PORT" envDefault:"9090"`

	// Misc
	PidFile string `env:"IONRELAY_PID_FILE" envDefault:""`
	Preload bool   `env:"IONRELAY_PRELOAD" envDefault:"false"`

	// Listeners parsed from -b (listener URL syntax) or assembled from
	// Address/Port; never read from the environment directly.
	Listeners []Listener `env:"-"`
}

// Load builds a Config from the .env file (if present), the environment,
// and the given CLI arguments, in ascending precedence. output receives
// flag-parse usage text; pass io.Discard in tests.
func Load(args []string, output io.Writer) (*Config, error) {
	// .env seeding is best-effort; production deployments set real
	// environment variables and carry no .env file.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}

	if err := cfg.applyFlags(args, output); err != nil {
		return nil, err
	}

	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU() + cfg.Workers
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
	}

	if len(cfg.Listeners) == 0 {
		scheme := "http"
		if cfg.TLSSelfSigned || cfg.TLSCert != "" {
			scheme = "https"
		}
		cfg.Listeners = append(cfg.Listeners, Listener{
			Scheme: scheme,
			Host:   cfg.Address,
			Port:   cfg.Port,
			TLS:    scheme == "https",
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags defines the CLI surface and overlays any flags present in
// args onto the env-parsed struct.
func (c *Config) applyFlags(args []string, output io.Writer) error {
	fs := flag.NewFlagSet("ionrelayd", flag.ContinueOnError)
	fs.SetOutput(output)

	bind := fs.String("b", "", "bind address (plain host or listener URL, e.g. wss://0.0.0.0:3000)")
	fs.IntVar(&c.Port, "p", c.Port, "bind port")
	fs.IntVar(&c.Threads, "t", c.Threads, "async callback threads per worker")
	fs.IntVar(&c.Workers, "w", c.Workers, "worker processes (negative = ncpu + N)")
	fs.StringVar(&c.PublicFolder, "www", c.PublicFolder, "public folder for static files")
	fs.IntVar(&c.MaxRequestLine, "maxln", c.MaxRequestLine, "max request line length")
	fs.IntVar(&c.MaxHeaderBytes, "maxhd", c.MaxHeaderBytes, "max header bytes")
	fs.Int64Var(&c.MaxBodyBytes, "maxbd", c.MaxBodyBytes, "max body bytes")
	fs.Int64Var(&c.MaxWSMessage, "maxms", c.MaxWSMessage, "max WebSocket message bytes")
	fs.DurationVar(&c.KeepAliveTimeout, "k", c.KeepAliveTimeout, "keep-alive timeout")
	fs.DurationVar(&c.PingInterval, "ping", c.PingInterval, "WS/SSE ping interval")
	fs.IntVar(&c.StaticMaxAge, "maxage", c.StaticMaxAge, "static file max-age seconds")
	fs.IntVar(&c.MaxPending, "maxpending", c.MaxPending, "outbound high-water mark, bytes")
	verbose := fs.Bool("v", c.LogRequests, "log requests")
	fs.BoolVar(&c.TLSSelfSigned, "tls", c.TLSSelfSigned, "enable TLS with an ephemeral self-signed certificate")
	fs.StringVar(&c.TLSCert, "cert", c.TLSCert, "TLS certificate file")
	fs.StringVar(&c.TLSKey, "key", c.TLSKey, "TLS key file")
	fs.StringVar(&c.TLSName, "name", c.TLSName, "TLS server name")
	fs.StringVar(&c.TLSPass, "tls-pass", c.TLSPass, "TLS key passphrase")
	fs.IntVar(&c.BroadcastPort, "bp", c.BroadcastPort, "cluster UDP broadcast port")
	fs.StringVar(&c.Secret, "scrt", c.Secret, "cluster secret")
	debug := fs.Bool("V", false, "debug logging")
	envFile := fs.String("C", "", "config file (.env format)")
	fs.StringVar(&c.PidFile, "pid", c.PidFile, "pidfile path")
	fs.BoolVar(&c.Preload, "preload", c.Preload, "preload handler state before forking workers")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if *envFile != "" {
		// An explicit config file beats the ambient .env but not the
		// environment or flags, which were already applied.
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("config: loading %s: %w", *envFile, err)
		}
	}

	c.LogRequests = *verbose
	if *debug {
		c.LogLevel = "debug"
	}

	if *bind != "" {
		l, err := ParseListener(*bind, c.Port)
		if err != nil {
			return err
		}
		l.CertFile = orDefault(l.CertFile, c.TLSCert)
		l.KeyFile = orDefault(l.KeyFile, c.TLSKey)
		l.Pass = orDefault(l.Pass, c.TLSPass)
		c.Listeners = append(c.Listeners, l)
	}
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// Validate checks the loaded configuration for contradictions.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be >= 1, got %d", c.Threads)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("config: max body bytes must be > 0")
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("config: CPU pause threshold (%.1f) must be >= reject threshold (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.SecretLength > 0 && c.Secret != "" && len(c.Secret) < c.SecretLength {
		return fmt.Errorf("config: SECRET shorter than SECRET_LENGTH (%d < %d)", len(c.Secret), c.SecretLength)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL must be debug/info/warn/error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json/pretty, got %q", c.LogFormat)
	}
	for _, l := range c.Listeners {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}
