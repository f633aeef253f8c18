package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/example/go-vits-stream/internal/config"
)

// useConfig installs cfg as the loaded configuration for one test.
func useConfig(t *testing.T, cfg config.Config) {
	t.Helper()

	origCfg, origLoaded := activeCfg, loaded
	t.Cleanup(func() { activeCfg, loaded = origCfg, origLoaded })

	activeCfg, loaded = cfg, true
}

// execute runs the root command with args and stdin and returns what it
// wrote to stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	origCfg, origLoaded, origFile := activeCfg, loaded, cfgFile
	prevLogger := slog.Default()
	t.Cleanup(func() {
		activeCfg, loaded, cfgFile = origCfg, origLoaded, origFile
		slog.SetDefault(prevLogger)
	})

	var stdout, stderr bytes.Buffer

	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()

	return stdout.String(), stderr.String(), err
}

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"speak", "synth", "bench", "model", "serve", "health", "doctor"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"config", "backend", "nats-url", "capacity", "log-level"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag to be registered", name)
		}
	}
}

func TestRootCmd_InvalidConfigIsRejected(t *testing.T) {
	_, _, err := execute(t, "", "doctor", "--capacity", "0")
	if err == nil || !strings.Contains(err.Error(), "stream.capacity") {
		t.Fatalf("expected capacity validation error, got: %v", err)
	}
}

func TestSetupLogger_WritesJSONAtLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	setupLogger("debug", &buf)
	slog.Debug("probe", slog.Int("n", 1))

	if !strings.Contains(buf.String(), `"level":"DEBUG"`) || !strings.Contains(buf.String(), `"msg":"probe"`) {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	setupLogger("not-a-level", &buf)
	slog.Debug("hidden")
	slog.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug record should be filtered at info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info record missing")
	}
}

func TestRequireConfig_FailsWhenNotLoaded(t *testing.T) {
	origCfg, origLoaded := activeCfg, loaded
	t.Cleanup(func() { activeCfg, loaded = origCfg, origLoaded })

	loaded = false

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRequireConfig_SucceedsWhenLoaded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.ModelPath = "/some/model.onnx"
	useConfig(t, cfg)

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Paths.ModelPath != "/some/model.onnx" {
		t.Errorf("unexpected ModelPath: %q", got.Paths.ModelPath)
	}
}

func TestReadText(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "flag wins", flag: "hello", stdin: "ignored", want: "hello"},
		{name: "empty flag reads stdin", stdin: "from stdin\n", want: "from stdin\n"},
		{name: "dash reads stdin", flag: "-", stdin: "piped", want: "piped"},
		{name: "blank stdin", stdin: "  \n", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readText(tc.flag, strings.NewReader(tc.stdin))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("readText: %v", err)
			}
			if got != tc.want {
				t.Errorf("readText = %q, want %q", got, tc.want)
			}
		})
	}
}
