package config

import "strings"

// Config is the on-disk configuration. JSON or YAML; unknown fields are rejected.
type Config struct {
	// Speedup divides every interval. Nil means 1.
	Speedup *int64 `json:"speedup,omitempty"`
	// FailurePolicy is one of halt, continue or restart. Empty means halt.
	FailurePolicy string `json:"failure_policy,omitempty"`
	// InvocationTimeout bounds each tick. Empty means no bound.
	InvocationTimeout string `json:"invocation_timeout,omitempty"`

	Shutdown   ShutdownConfig    `json:"shutdown"`
	Sandbox    SandboxConfig     `json:"sandbox"`
	Components []ComponentConfig `json:"components"`
	Triggers   []TriggerConfig   `json:"triggers"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Telemetry  TelemetryConfig   `json:"telemetry"`
	Debug      DebugConfig       `json:"debug"`
}

type ShutdownConfig struct {
	// GracePeriod waits for in-flight ticks after a signal. "0s" or empty exits immediately.
	GracePeriod string `json:"grace_period,omitempty"`
}

type SandboxConfig struct {
	Driver string       `json:"driver,omitempty"` // wasm | docker
	Wasm   WasmConfig   `json:"wasm"`
	Docker DockerConfig `json:"docker"`
}

type WasmConfig struct {
	HandlerExport    string `json:"handler_export,omitempty"`
	MemoryLimitPages uint32 `json:"memory_limit_pages,omitempty"`
}

type DockerConfig struct {
	Host            string `json:"host,omitempty"`
	Pull            bool   `json:"pull,omitempty"`
	NetworkDisabled *bool  `json:"network_disabled,omitempty"`
	MemoryBytes     int64  `json:"memory_bytes,omitempty"`
}

// NetworkOff defaults to true when unset.
func (d DockerConfig) NetworkOff() bool {
	if d.NetworkDisabled == nil {
		return true
	}
	return *d.NetworkDisabled
}

// ComponentConfig names a component and where its code lives: a .wasm path for
// the wasm driver, an image reference for docker.
type ComponentConfig struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Env    map[string]string `json:"env,omitempty"`
}

type TriggerConfig struct {
	Component    string `json:"component"`
	IntervalSecs int64  `json:"interval_secs"`
	QueueURL     string `json:"queue_url,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	// Format is "console" (default) or "json" for the stdout sink.
	Format  string     `json:"format,omitempty"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retain caps kept tick records. 0 means the store default.
	Retain int `json:"retain,omitempty"`
}

type TelemetryConfig struct {
	Influx InfluxConfig `json:"influx"`
}

type InfluxConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Org     string `json:"org,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
}

type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

const (
	DriverWasm   = "wasm"
	DriverDocker = "docker"

	StorageNone   = "none"
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	DefaultDebugAddr = "127.0.0.1:6060"
)

// SpeedupValue returns the configured speedup or 1.
func (c *Config) SpeedupValue() int64 {
	if c == nil || c.Speedup == nil {
		return 1
	}
	return *c.Speedup
}

func (c *Config) SandboxDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Sandbox.Driver))
	if d == "" {
		return DriverWasm
	}
	return d
}

func (c *Config) StorageDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return StorageNone
	}
	return d
}

// Component returns the component with id, if declared.
func (c *Config) Component(id string) (ComponentConfig, bool) {
	for _, cc := range c.Components {
		if cc.ID == id {
			return cc, true
		}
	}
	return ComponentConfig{}, false
}
