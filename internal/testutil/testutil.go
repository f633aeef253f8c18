// Package testutil provides shared skip helpers and WAV assertions for tests.
//
// Each Require helper calls Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
//
// Typical usage:
//
//	func TestRunnerIntegration(t *testing.T) {
//	    lib := testutil.RequireONNXRuntime(t)
//	    testutil.RequireFile(t, "testdata/vits.onnx")
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located, and returns its path otherwise. It checks (in order) the
// VITSSTREAM_ORT_LIB and ORT_LIBRARY_PATH env vars, then common system
// library paths.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"VITSSTREAM_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			return ""
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set VITSSTREAM_ORT_LIB or ORT_LIBRARY_PATH")
	return ""
}

// RequireFile skips the test if path does not exist.
func RequireFile(tb testing.TB, path string) {
	tb.Helper()

	if _, err := os.Stat(path); err != nil {
		tb.Skipf("fixture %q not available: %v", path, err)
	}
}

// RequireCommand skips the test if name cannot be found in PATH, and returns
// its resolved path otherwise.
func RequireCommand(tb testing.TB, name string) string {
	tb.Helper()

	path, err := exec.LookPath(name)
	if err != nil {
		tb.Skipf("%s not available in PATH", name)
		return ""
	}
	return path
}
