package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// AppSlug is the directory name used under XDG config and data homes.
const AppSlug = "acto"

// Config holds the full application configuration.
type Config struct {
	// Server configures the HTTP frontend.
	Server Server `mapstructure:"server"`
	// Database selects and configures the graph store backend.
	Database Database `mapstructure:"database"`
	// Artifacts selects and configures the artifact blob store.
	Artifacts Artifacts `mapstructure:"artifacts"`
	// LLM holds provider credentials and base URL overrides.
	LLM LLM `mapstructure:"llm"`
	// Planner tunes DAG generation.
	Planner Planner `mapstructure:"planner"`
	// Runtime tunes the per-action executor.
	Runtime Runtime `mapstructure:"runtime"`
	// Events tunes the in-process event bus.
	Events Events `mapstructure:"events"`
	// Logs tunes task log retention.
	Logs Logs `mapstructure:"logs"`
	// Agents configures the agent definition directory.
	Agents Agents `mapstructure:"agents"`
	// Maintenance configures background retention sweeps.
	Maintenance Maintenance `mapstructure:"maintenance"`
	// OTel configures the OTLP trace exporter.
	OTel OTel `mapstructure:"otel"`

	// Debug enables debug-level logging with source locations.
	Debug bool `mapstructure:"debug"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"logFormat"`
	// Quiet suppresses stderr logging.
	Quiet bool `mapstructure:"quiet"`

	// Paths resolved at load time; not read from the file.
	Paths Paths `mapstructure:"-"`
}

// Server configures the HTTP listener.
type Server struct {
	// Host to bind. Defaults to 127.0.0.1.
	Host string `mapstructure:"host"`
	// Port to bind. Defaults to 8080.
	Port int `mapstructure:"port"`
	// AllowedOrigins for CORS. Defaults to ["*"].
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// Addr returns the host:port string for net.Listen.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Database selects the graph store backend.
type Database struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path; empty means <data dir>/acto.db.
	DSN string `mapstructure:"dsn"`
}

// Artifacts selects the artifact blob store backend.
type Artifacts struct {
	// Driver is one of "fs", "s3".
	Driver string `mapstructure:"driver"`
	// Dir is the root directory for the fs driver; empty means
	// <data dir>/artifacts.
	Dir string `mapstructure:"dir"`
	// S3 configures the s3 driver.
	S3 S3 `mapstructure:"s3"`
}

// S3 holds S3-compatible object store settings for the artifact store.
type S3 struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	UseSSL    bool   `mapstructure:"useSSL"`
	Prefix    string `mapstructure:"prefix"`
}

// LLMProvider holds one provider's credentials.
type LLMProvider struct {
	// APIKey for the provider. Falls back to the provider's conventional
	// environment variable when empty.
	APIKey string `mapstructure:"apiKey"`
	// BaseURL overrides the provider endpoint, e.g. for proxies.
	BaseURL string `mapstructure:"baseURL"`
}

// LLM holds per-provider settings.
type LLM struct {
	OpenAI    LLMProvider `mapstructure:"openai"`
	Anthropic LLMProvider `mapstructure:"anthropic"`
	DeepSeek  LLMProvider `mapstructure:"deepseek"`
	Gemini    LLMProvider `mapstructure:"gemini"`
	// DefaultModel used when neither task nor agent type picks one.
	DefaultModel string `mapstructure:"defaultModel"`
}

// Planner tunes DAG generation from root prompts.
type Planner struct {
	// Model is the planning model in provider/model_id form.
	Model string `mapstructure:"model"`
	// MaxTasks caps the generated graph size.
	MaxTasks int `mapstructure:"maxTasks"`
	// MaxRetries is the number of structured-output repair attempts.
	MaxRetries int `mapstructure:"maxRetries"`
	// SystemPrompt overrides the built-in planning prompt.
	SystemPrompt string `mapstructure:"systemPrompt"`
	// CacheSize is the number of cached plans; 0 disables the cache.
	CacheSize int `mapstructure:"cacheSize"`
	// CacheTTL is how long a cached plan stays valid.
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
}

// Runtime tunes the per-action executor.
type Runtime struct {
	// MaxConcurrentTasksPerAction bounds parallel task execution.
	MaxConcurrentTasksPerAction int `mapstructure:"maxConcurrentTasksPerAction"`
	// TaskRetryMaxAttempts is inclusive of the first try.
	TaskRetryMaxAttempts int `mapstructure:"taskRetryMaxAttempts"`
	// TaskRetryBaseBackoff is the exponential base for retry waits.
	TaskRetryBaseBackoff time.Duration `mapstructure:"taskRetryBaseBackoff"`
	// TaskTimeout is the per-attempt deadline.
	TaskTimeout time.Duration `mapstructure:"taskTimeout"`
	// CancelGrace bounds the wait for a canceled task to observe the signal
	// before its claim is force-released.
	CancelGrace time.Duration `mapstructure:"cancelGrace"`
}

// Events tunes the event bus.
type Events struct {
	// QueueCapacity is the per-subscriber ring size.
	QueueCapacity int `mapstructure:"queueCapacity"`
	// PingInterval is how often keepalive pings are sent.
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

// Logs tunes log retention.
type Logs struct {
	// RetentionPerTask is the maximum retained log rows per task.
	RetentionPerTask int `mapstructure:"retentionPerTask"`
}

// Agents configures the agent definition registry.
type Agents struct {
	// Dir holds YAML agent definitions; empty disables file definitions.
	Dir string `mapstructure:"dir"`
	// Watch reloads definitions when files in Dir change.
	Watch bool `mapstructure:"watch"`
}

// Maintenance configures background retention sweeps.
type Maintenance struct {
	// Enabled turns the sweeper on.
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a cron spec, e.g. "@every 10m".
	Schedule string `mapstructure:"schedule"`
}

// OTel configures the OTLP trace exporter.
type OTel struct {
	Enabled  bool              `mapstructure:"enabled"`
	Endpoint string            `mapstructure:"endpoint"`
	Insecure bool              `mapstructure:"insecure"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// Paths are the resolved directories the process uses.
type Paths struct {
	ConfigDir string
	DataDir   string
}

// DefaultPaths resolves the XDG-based defaults.
func DefaultPaths() Paths {
	return Paths{
		ConfigDir: filepath.Join(xdg.ConfigHome, AppSlug),
		DataDir:   filepath.Join(xdg.DataHome, AppSlug),
	}
}
