package config

import "time"

// Config is the root configuration for Warden.
type Config struct {
	Vault    VaultConfig    `json:"vault"`
	Loop     LoopConfig     `json:"loop"`
	Recovery RecoveryConfig `json:"recovery"`
	Restart  RestartConfig  `json:"restart"`
	Worker   WorkerConfig   `json:"worker"`
	Flags    FlagsConfig    `json:"flags"`
	Gateway  GatewayConfig  `json:"gateway"`
	Events   EventsConfig   `json:"events"`
	Log      LogConfig      `json:"log"`
}

// VaultConfig locates the record vault.
type VaultConfig struct {
	Path string `json:"path"` // default: $WARDEN_PATH
}

// LoopConfig holds task lifecycle loop policy.
type LoopConfig struct {
	Interval             Duration `json:"interval"`               // delay between passes
	DefaultMaxIterations int      `json:"default_max_iterations"` // used when a task is created without a budget
}

// RecoveryConfig holds the recovery router policy.
type RecoveryConfig struct {
	MaxRetries         int                 `json:"max_retries"`
	BaseDelay          Duration            `json:"base_delay"`
	MaxDelay           Duration            `json:"max_delay"`
	RateLimitThreshold int                 `json:"rate_limit_threshold"`
	RateWindow         Duration            `json:"rate_window"`
	RateLimitPause     Duration            `json:"rate_limit_pause"`
	Limiter            LimiterConfig       `json:"limiter"`
	Degradation        map[string][]string `json:"degradation,omitempty"` // service → fallback actions, merged over the built-in table
}

// LimiterConfig selects the rate window backend.
type LimiterConfig struct {
	Driver   string `json:"driver"`              // "memory" | "sqlite" | "redis"
	Path     string `json:"path,omitempty"`      // sqlite database file
	RedisURL string `json:"redis_url,omitempty"` // redis://host:port/db
}

// RestartConfig maps subsystems to shell commands run by the system-error handler.
type RestartConfig struct {
	Commands map[string]string `json:"commands,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Timeout  Duration          `json:"timeout"`
}

// WorkerConfig holds the worker pool settings used by `warden serve`.
type WorkerConfig struct {
	Concurrency  int      `json:"concurrency"`
	PollInterval Duration `json:"poll_interval"`
	Exec         string   `json:"exec,omitempty"`     // shell script run once per loop iteration
	ExecDir      string   `json:"exec_dir,omitempty"` // working directory of the script
	ExecTimeout  Duration `json:"exec_timeout"`
}

// FlagsConfig tunes persistent flag reads.
type FlagsConfig struct {
	CacheTTL Duration `json:"cache_ttl"`
}

// GatewayConfig holds the status gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level"`  // debug | info | warn | error
	Format string `json:"format"` // text | json
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
