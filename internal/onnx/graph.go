package onnx

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// DefaultAPIVersion is the ORT C API version requested when none is set.
const DefaultAPIVersion = 23

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// GraphRunner is the runner contract used by synthesis code, satisfied by
// *Runner and by test fakes.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

var _ GraphRunner = (*Runner)(nil)

// ErrRunnerClosed is returned by Run after Close.
var ErrRunnerClosed = errors.New("onnx runner closed")

// graphName is the model file name without its extension.
func graphName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
