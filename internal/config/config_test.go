package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered and args parsed.
func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Stream.Capacity != 8 {
		t.Errorf("Stream.Capacity = %d; want 8", cfg.Stream.Capacity)
	}

	if cfg.Stream.GetTimeout != time.Second {
		t.Errorf("Stream.GetTimeout = %s; want 1s", cfg.Stream.GetTimeout)
	}

	if cfg.Stream.StallLimit != 0 {
		t.Errorf("Stream.StallLimit = %d; want 0", cfg.Stream.StallLimit)
	}

	if cfg.Audio.FramesPerBuffer != 1024 {
		t.Errorf("Audio.FramesPerBuffer = %d; want 1024", cfg.Audio.FramesPerBuffer)
	}

	if cfg.Audio.Channels != 1 {
		t.Errorf("Audio.Channels = %d; want 1", cfg.Audio.Channels)
	}

	if cfg.Synth.Backend != BackendTone {
		t.Errorf("Synth.Backend = %q; want %q", cfg.Synth.Backend, BackendTone)
	}

	if cfg.Server.Workers != 2 {
		t.Errorf("Server.Workers = %d; want 2", cfg.Server.Workers)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

// --- NormalizeBackend ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"tone", "tone", "tone", false},
		{"onnx", "onnx", "onnx", false},
		{"exec", "exec", "exec", false},
		{"vits alias", "vits", "onnx", false},
		{"cli alias", "CLI", "exec", false},
		{"mixed case with spaces", "  ONNX  ", "onnx", false},
		{"empty defaults to tone", "", "tone", false},
		{"invalid value", "native-safetensors", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeBackend(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Errorf("NormalizeBackend(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("NormalizeBackend(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"capacity", "8"},
		{"get-timeout", "1s"},
		{"stall-limit", "0"},
		{"backend", "tone"},
		{"frames-per-buffer", "1024"},
		{"listen-addr", ":8080"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for _, fk := range flagKeys {
		if fs.Lookup(fk.flag) == nil {
			t.Errorf("flagKeys entry %q -> %q has no registered flag", fk.key, fk.flag)
		}
	}
}

// --- Load ---

func TestLoad_Layers(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vitsstream.yaml")
	yaml := "log_level: error\nstream:\n  capacity: 16\n  get_timeout: 2s\nsynth:\n  backend: onnx\nserver:\n  listen_addr: \":7777\"\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		args  []string
		env   map[string]string
		file  string
		check func(t *testing.T, c Config)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c Config) {
				d := DefaultConfig()
				if c.Stream != d.Stream || c.Synth != d.Synth || c.LogLevel != d.LogLevel {
					t.Errorf("got %+v", c)
				}
			},
		},
		{
			name: "flags",
			args: []string{"--backend=exec", "--capacity=2", "--get-timeout=250ms", "--stall-limit=5", "--workers=8", "--log-level=debug"},
			check: func(t *testing.T, c Config) {
				if c.Synth.Backend != "exec" || c.Server.Workers != 8 || c.LogLevel != "debug" {
					t.Errorf("synth %q workers %d level %q", c.Synth.Backend, c.Server.Workers, c.LogLevel)
				}
				if c.Stream.Capacity != 2 || c.Stream.GetTimeout != 250*time.Millisecond || c.Stream.StallLimit != 5 {
					t.Errorf("Stream = %+v", c.Stream)
				}
			},
		},
		{
			name: "ort-lib alias",
			args: []string{"--ort-lib=/opt/ort/libonnxruntime.so"},
			check: func(t *testing.T, c Config) {
				if c.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
					t.Errorf("ORTLibraryPath = %q", c.Runtime.ORTLibraryPath)
				}
			},
		},
		{
			name: "env",
			env: map[string]string{
				"VITSSTREAM_LOG_LEVEL":          "warn",
				"VITSSTREAM_SERVER_LISTEN_ADDR": ":9999",
				"VITSSTREAM_STREAM_CAPACITY":    "3",
			},
			check: func(t *testing.T, c Config) {
				if c.LogLevel != "warn" || c.Server.ListenAddr != ":9999" || c.Stream.Capacity != 3 {
					t.Errorf("level %q addr %q capacity %d", c.LogLevel, c.Server.ListenAddr, c.Stream.Capacity)
				}
			},
		},
		{
			name: "file under flags",
			args: []string{"--capacity=4"},
			file: file,
			check: func(t *testing.T, c Config) {
				if c.Stream.Capacity != 4 {
					t.Errorf("capacity = %d, flag should win", c.Stream.Capacity)
				}
				if c.LogLevel != "error" || c.Stream.GetTimeout != 2*time.Second || c.Synth.Backend != "onnx" || c.Server.ListenAddr != ":7777" {
					t.Errorf("file values not applied: %+v", c)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			defaults := DefaultConfig()
			cfg, err := Load(LoadOptions{
				Cmd:        newFlagBinder(t, defaults, tc.args...),
				ConfigFile: tc.file,
				Defaults:   defaults,
			})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/vitsstream.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Stream.Capacity = 0 }},
		{"zero get timeout", func(c *Config) { c.Stream.GetTimeout = 0 }},
		{"negative stall limit", func(c *Config) { c.Stream.StallLimit = -1 }},
		{"negative join timeout", func(c *Config) { c.Stream.JoinTimeout = -time.Second }},
		{"zero block size", func(c *Config) { c.Synth.BlockSize = 0 }},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"unknown backend", func(c *Config) { c.Synth.Backend = "espeak" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)

			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v; want ErrInvalid", err)
			}
		})
	}
}

func TestLoad_ExplicitScales(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vitsstream.yaml")
	if err := os.WriteFile(file, []byte("synth:\n  length_scale: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VITSSTREAM_SYNTH_NOISE_SCALE_W", "0")

	defaults := DefaultConfig()
	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(t, defaults, "--noise-scale=0"),
		ConfigFile: file,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Synth.NoiseScale != 0 || cfg.Synth.LengthScale != 0 || cfg.Synth.NoiseScaleW != 0 {
		t.Fatalf("zero scales not kept: %+v", cfg.Synth)
	}
	want := ExplicitScales{NoiseScale: true, LengthScale: true, NoiseScaleW: true}
	if cfg.Synth.Explicit != want {
		t.Fatalf("Explicit = %+v, want %+v", cfg.Synth.Explicit, want)
	}

	plain, err := Load(LoadOptions{Cmd: newFlagBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plain.Synth.Explicit != (ExplicitScales{}) {
		t.Fatalf("defaults marked explicit: %+v", plain.Synth.Explicit)
	}
}
