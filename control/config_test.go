// control/config_test.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-h2/api"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime:
  workers: 3
  tick: 5ms
  maxTimers: 1000
http2:
  maxConcurrentStreams: 7
  enablePush: false
log:
  level: debug
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := DefaultConfig()
	want.Runtime.Workers = 3
	want.Runtime.Tick = Duration(5 * time.Millisecond)
	want.Runtime.MaxTimers = 1000
	want.HTTP2.MaxConcurrentStreams = 7
	want.HTTP2.EnablePush = false
	want.Log.Level = "debug"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"frame too small": "http2:\n  maxFrameSize: 100\n",
		"window too big":  "http2:\n  initialWindowSize: 2147483648\n",
		"zero tick":       "runtime:\n  tick: 0s\n",
		"negative cap":    "runtime:\n  queueCapacity: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if !errors.Is(err, api.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
	if _, err := Parse([]byte("runtime: [")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDurationFromInteger(t *testing.T) {
	cfg, err := Parse([]byte("runtime:\n  tick: 2000000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if time.Duration(cfg.Runtime.Tick) != 2*time.Millisecond {
		t.Errorf("tick = %v", time.Duration(cfg.Runtime.Tick))
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch:\n%s", diff)
	}
}

func TestLoadPrefersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h2.yaml")
	if err := os.WriteFile(path, []byte("runtime:\n  workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfig, "runtime:\n  workers: 9\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runtime.Workers != 9 {
		t.Errorf("workers = %d, want 9 from environment", cfg.Runtime.Workers)
	}
}

func TestConfigStoreReload(t *testing.T) {
	t.Setenv(EnvConfig, "")
	store := NewConfigStore(nil)
	var seen []uint32
	store.OnReload(func(c *Config) { seen = append(seen, c.HTTP2.MaxConcurrentStreams) })

	path := filepath.Join(t.TempDir(), "h2.yaml")
	os.WriteFile(path, []byte("http2:\n  maxConcurrentStreams: 42\n"), 0o600)
	if err := store.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := store.GetSnapshot().HTTP2.MaxConcurrentStreams; got != 42 {
		t.Errorf("snapshot streams = %d", got)
	}
	bad := DefaultConfig()
	bad.Runtime.EventBatch = 0
	if err := store.SetConfig(bad); err == nil {
		t.Fatal("invalid config accepted")
	}
	if diff := cmp.Diff([]uint32{42}, seen); diff != "" {
		t.Errorf("listener calls (-want +got):\n%s", diff)
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "warn", Development: true})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l.Core().Enabled(-1) {
		t.Error("debug enabled at warn level")
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("bad level accepted")
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("timers", func() any { return 3 })
	if got := dp.DumpState()["timers"]; got != 3 {
		t.Errorf("probe = %v", got)
	}
}
