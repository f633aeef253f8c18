package doctor_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/go-vits-stream/internal/doctor"
)

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	cfg := doctor.Config{
		RuntimeVersion:  func() (string, error) { return "1.23.2", nil },
		MinRuntimeMinor: 23,
		Files:           []string{"doctor_test.go"},
		ExecCommand:     "engine --voice x",
		LookPath:        func(name string) (string, error) { return "/usr/bin/" + name, nil },
		Bus:             func() error { return nil },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	body := out.String()
	for _, want := range []string{"onnx runtime: 1.23.2", "model file: doctor_test.go", "exec engine: /usr/bin/engine", "nats: connected"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// onnx runtime
// ---------------------------------------------------------------------------

func TestRun_RuntimeMissingFails(t *testing.T) {
	cfg := doctor.Config{
		RuntimeVersion: func() (string, error) { return "", errLibraryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the runtime is not found")
	}

	if !hasFailureContaining(result.Failures(), "onnx runtime") {
		t.Errorf("expected failure mentioning onnx runtime, got: %v", result.Failures())
	}
}

func TestRun_RuntimeVersions(t *testing.T) {
	tests := []struct {
		ver     string
		wantErr bool
	}{
		{"1.23.0", false},
		{"1.24.1", false},
		{"unknown", false},
		{"1.22.0", true},
		{"2.0.0", true},
		{"garbage", true},
	}

	for _, tt := range tests {
		t.Run(tt.ver, func(t *testing.T) {
			cfg := doctor.Config{
				RuntimeVersion:  func() (string, error) { return tt.ver, nil },
				MinRuntimeMinor: 23,
			}

			var out strings.Builder
			result := doctor.Run(cfg, &out)
			if result.Failed() != tt.wantErr {
				t.Fatalf("version %s: failed=%v, want %v (%v)", tt.ver, result.Failed(), tt.wantErr, result.Failures())
			}
		})
	}
}

func TestRun_SkipRuntime(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime:    true,
		RuntimeVersion: func() (string, error) { return "", errLibraryNotFound },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("expected no failures when the runtime check is skipped, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "onnx runtime: skipped") {
		t.Fatalf("expected skipped output, got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// model files
// ---------------------------------------------------------------------------

func TestRun_MissingModelFileFails(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		Files:       []string{"/nonexistent/vits.onnx"},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for missing model file")
	}

	if !hasFailureContaining(result.Failures(), "vits.onnx") {
		t.Errorf("expected failure naming the file, got: %v", result.Failures())
	}
}

func TestRun_VerifyModelCallback(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		ModelPath:   "doctor_test.go",
		VerifyModel: func(string) error { return errors.New("missing output") },
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if !result.Failed() {
		t.Fatal("expected failure from verify callback")
	}

	if !hasFailureContaining(result.Failures(), "validation") {
		t.Errorf("expected failure mentioning validation, got: %v", result.Failures())
	}

	cfg.VerifyModel = func(string) error { return nil }
	out.Reset()

	result = doctor.Run(cfg, &out)
	if result.Failed() {
		t.Errorf("expected pass; failures: %v", result.Failures())
	}
	if !strings.Contains(out.String(), "model validation: ok") {
		t.Errorf("output should contain 'model validation: ok'; got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// exec engine and bus
// ---------------------------------------------------------------------------

func TestRun_ExecEngineNotFound(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		ExecCommand: "missing-engine --fast",
		LookPath:    func(string) (string, error) { return "", errLibraryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "missing-engine") {
		t.Errorf("expected failure naming the program, got: %v", result.Failures())
	}
}

func TestResolveCommand(t *testing.T) {
	var looked string
	lookPath := func(name string) (string, error) {
		looked = name
		return "/opt/bin/" + name, nil
	}

	path, err := doctor.ResolveCommand(`"my engine" --text -`, lookPath)
	if err != nil {
		t.Fatalf("ResolveCommand: %v", err)
	}
	if looked != "my engine" || path != "/opt/bin/my engine" {
		t.Fatalf("looked=%q path=%q", looked, path)
	}

	if _, err := doctor.ResolveCommand("   ", lookPath); err == nil {
		t.Error("expected error for blank command")
	}
	if _, err := doctor.ResolveCommand(`"unterminated`, lookPath); err == nil {
		t.Error("expected parse error")
	}
}

func TestRun_BusFailure(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		Bus:         func() error { return errors.New("no servers available") },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "nats") {
		t.Errorf("expected nats failure, got: %v", result.Failures())
	}

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) || !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output should contain both markers:\n%s", body)
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errLibraryNotFound = sentinelError("not found")

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}
