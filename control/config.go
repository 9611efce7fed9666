// control/config.go
// Author: momentics <momentics@gmail.com>
//
// YAML configuration for the runtime and the HTTP/2 layer, plus a thread-safe
// store with hot-reload propagation.

package control

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/momentics/hioload-h2/api"
)

// EnvConfig names an environment variable holding inline YAML that takes
// precedence over the file passed to Load.
const EnvConfig = "HIOLOAD_H2_CFG"

// Protocol limits shared with the HTTP/2 layer.
const (
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
	maxWindowSize   = 1<<31 - 1
)

// Duration is a time.Duration that reads "250ms"-style strings as well as
// integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// RuntimeConfig sizes the executor, timer wheel and reactor.
type RuntimeConfig struct {
	Workers          int      `json:"workers"`
	QueueCapacity    int      `json:"queueCapacity,omitempty"`
	MaxTimers        int      `json:"maxTimers,omitempty"`
	MaxRegistrations int      `json:"maxRegistrations,omitempty"`
	EventBatch       int      `json:"eventBatch"`
	Tick             Duration `json:"tick"`
	LockThreads      bool     `json:"lockThreads"`
	PinWorkers       bool     `json:"pinWorkers,omitempty"`
}

// HTTP2Config holds the local SETTINGS advertised to peers and codec knobs.
type HTTP2Config struct {
	HeaderTableSize      uint32 `json:"headerTableSize"`
	EnablePush           bool   `json:"enablePush"`
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams"`
	InitialWindowSize    uint32 `json:"initialWindowSize"`
	MaxFrameSize         uint32 `json:"maxFrameSize"`
	MaxHeaderListSize    uint32 `json:"maxHeaderListSize"`
	ConnWindowSize       uint32 `json:"connWindowSize,omitempty"`
	Huffman              bool   `json:"huffman"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Config is the root configuration document.
type Config struct {
	Runtime RuntimeConfig `json:"runtime"`
	HTTP2   HTTP2Config   `json:"http2"`
	Log     LogConfig     `json:"log"`
}

// DefaultConfig returns the defaults used when a key is absent.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Workers:     runtime.NumCPU(),
			EventBatch:  256,
			Tick:        Duration(time.Millisecond),
			LockThreads: true,
		},
		HTTP2: HTTP2Config{
			HeaderTableSize:      4096,
			EnablePush:           true,
			MaxConcurrentStreams: 100,
			InitialWindowSize:    65535,
			MaxFrameSize:         16384,
			MaxHeaderListSize:    8192,
			Huffman:              true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("control: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path (or the EnvConfig variable when set) and parses it. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	if env := os.Getenv(EnvConfig); env != "" {
		return Parse([]byte(env))
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	return Parse(data)
}

func invalid(field string, value any) error {
	return api.NewError(api.ErrCodeInvalidArgument, "control: invalid "+field).
		WithContext("value", value)
}

// Validate checks ranges mandated by the protocol and the runtime.
func (c *Config) Validate() error {
	switch {
	case c.Runtime.Workers < 0:
		return invalid("runtime.workers", c.Runtime.Workers)
	case c.Runtime.QueueCapacity < 0:
		return invalid("runtime.queueCapacity", c.Runtime.QueueCapacity)
	case c.Runtime.MaxTimers < 0:
		return invalid("runtime.maxTimers", c.Runtime.MaxTimers)
	case c.Runtime.MaxRegistrations < 0:
		return invalid("runtime.maxRegistrations", c.Runtime.MaxRegistrations)
	case c.Runtime.EventBatch <= 0:
		return invalid("runtime.eventBatch", c.Runtime.EventBatch)
	case c.Runtime.Tick <= 0:
		return invalid("runtime.tick", time.Duration(c.Runtime.Tick))
	case c.HTTP2.InitialWindowSize > maxWindowSize:
		return invalid("http2.initialWindowSize", c.HTTP2.InitialWindowSize)
	case c.HTTP2.ConnWindowSize > maxWindowSize:
		return invalid("http2.connWindowSize", c.HTTP2.ConnWindowSize)
	case c.HTTP2.MaxFrameSize < minMaxFrameSize || c.HTTP2.MaxFrameSize > maxMaxFrameSize:
		return invalid("http2.maxFrameSize", c.HTTP2.MaxFrameSize)
	}
	return nil
}

// ConfigStore holds the current configuration snapshot and notifies listeners
// when it is replaced.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg, or the defaults when nil.
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns a copy of the current configuration.
func (cs *ConfigStore) GetSnapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return *cs.config
}

// SetConfig validates and installs cfg, then runs every listener
// synchronously in registration order.
func (cs *ConfigStore) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg
	listeners := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Reload re-reads path and installs the result.
func (cs *ConfigStore) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	return cs.SetConfig(cfg)
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
