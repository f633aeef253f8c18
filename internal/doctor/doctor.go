// Package doctor provides environment preflight checks for vitsstream.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// RuntimeVersion reports the detected ONNX Runtime library version.
	RuntimeVersion VersionFunc
	// SkipRuntime skips the runtime check (tone and exec backends).
	SkipRuntime bool
	// MinRuntimeMinor is the lowest supported 1.x runtime release.
	MinRuntimeMinor int
	// Files lists model assets that must exist on disk.
	Files []string
	// ModelPath is the ONNX graph checked by VerifyModel.
	ModelPath string
	// VerifyModel runs a smoke inference on ModelPath. Nil skips the check.
	VerifyModel func(path string) error
	// ExecCommand is the exec backend command line. Empty skips the check.
	ExecCommand string
	// LookPath resolves the engine binary; exec.LookPath in production.
	LookPath func(string) (string, error)
	// Bus probes the NATS connection. Nil skips the check.
	Bus func() error
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- onnx runtime -----------------------------------------------------
	if cfg.SkipRuntime || cfg.RuntimeVersion == nil {
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	} else {
		ver, err := cfg.RuntimeVersion()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkRuntimeVersion(ver, cfg.MinRuntimeMinor); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- model files ------------------------------------------------------
	for _, path := range cfg.Files {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("model file %q: %v", path, err))
			fmt.Fprintf(w, "%s model file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s model file: %s\n", PassMark, path)
		}
	}

	// ---- model validation -------------------------------------------------
	if cfg.ModelPath != "" && cfg.VerifyModel != nil {
		if err := cfg.VerifyModel(cfg.ModelPath); err != nil {
			res.fail(fmt.Sprintf("model validation: %v", err))
			fmt.Fprintf(w, "%s model validation: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s model validation: ok\n", PassMark)
		}
	}

	// ---- exec engine ------------------------------------------------------
	if cfg.ExecCommand != "" {
		path, err := ResolveCommand(cfg.ExecCommand, cfg.LookPath)
		if err != nil {
			res.fail(fmt.Sprintf("exec engine: %v", err))
			fmt.Fprintf(w, "%s exec engine: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s exec engine: %s\n", PassMark, path)
		}
	}

	// ---- message bus ------------------------------------------------------
	if cfg.Bus != nil {
		if err := cfg.Bus(); err != nil {
			res.fail(fmt.Sprintf("nats: %v", err))
			fmt.Fprintf(w, "%s nats: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s nats: connected\n", PassMark)
		}
	}

	return res
}

// ResolveCommand splits command the way the exec backend does and resolves
// its program with lookPath.
func ResolveCommand(command string, lookPath func(string) (string, error)) (string, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", command, err)
	}
	if len(args) == 0 {
		return "", errors.New("empty command")
	}
	if lookPath == nil {
		return args[0], nil
	}

	path, err := lookPath(args[0])
	if err != nil {
		return "", fmt.Errorf("%s: %w", args[0], err)
	}
	return path, nil
}

// checkRuntimeVersion returns an error if ver is not a 1.x release at or
// above 1.minMinor. An "unknown" version is accepted.
func checkRuntimeVersion(ver string, minMinor int) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if minor < minMinor {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", minMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
