package onnx

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"sync"

	"github.com/example/go-vits-stream/internal/config"
)

// ErrRuntimeNotFound is returned when no ONNX Runtime library can be located.
var ErrRuntimeNotFound = errors.New("unable to detect ONNX Runtime library path")

type RuntimeInfo struct {
	LibraryPath string
	Version     string
	// Source is where LibraryPath came from: config, an env var or a
	// searched directory.
	Source string
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

// searchDirs are scanned in order when neither config nor env names a
// library.
var searchDirs = []string{
	"/usr/local/lib",
	"/usr/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/opt/onnxruntime/lib",
	"/opt/homebrew/lib",
	"C:/onnxruntime/lib",
}

var (
	bootstrapOnce sync.Once
	bootstrapInfo RuntimeInfo
	bootstrapErr  error
)

// Bootstrap resolves the runtime library once per process. Later calls
// return the first result regardless of cfg.
func Bootstrap(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	bootstrapOnce.Do(func() {
		bootstrapInfo, bootstrapErr = DetectRuntime(cfg)
	})

	return bootstrapInfo, bootstrapErr
}

// DetectRuntime locates the shared library from cfg, then
// VITSSTREAM_ORT_LIB and ORT_LIBRARY_PATH, then searchDirs. The version comes
// from cfg, ORT_VERSION or the library file name.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path, source := lookupLibrary(cfg)
	if path == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"}, ErrRuntimeNotFound
	}

	info := RuntimeInfo{LibraryPath: path, Version: "unknown", Source: source}
	if _, err := os.Stat(path); err != nil {
		return info, fmt.Errorf("onnx runtime library from %s: %w", source, err)
	}

	for _, v := range []string{cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersionFromPath(path)} {
		if v != "" {
			info.Version = v
			break
		}
	}

	return info, nil
}

func lookupLibrary(cfg config.RuntimeConfig) (path, source string) {
	if cfg.ORTLibraryPath != "" {
		return cfg.ORTLibraryPath, "config"
	}

	for _, env := range []string{"VITSSTREAM_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			return p, "$" + env
		}
	}

	for _, dir := range searchDirs {
		matches, _ := filepath.Glob(filepath.Join(dir, libraryPattern()))
		if len(matches) == 0 {
			continue
		}

		// Prefer the most specific name, e.g. libonnxruntime.so.1.22.0 over
		// the unversioned symlink.
		best := slices.MaxFunc(matches, func(a, b string) int {
			return cmp.Or(cmp.Compare(len(a), len(b)), cmp.Compare(a, b))
		})
		return best, "search " + dir
	}

	return "", ""
}

func libraryPattern() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime*.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so*"
	}
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}

	return ""
}
