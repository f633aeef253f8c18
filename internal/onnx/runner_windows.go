//go:build windows

package onnx

import (
	"context"
	"errors"
	"fmt"
)

var errNoWindowsRunner = errors.New("onnx runner is not available in windows builds; use the exec backend")

// Runner is a placeholder so windows builds link; NewRunner always fails.
type Runner struct {
	name string
}

func NewRunner(modelPath string, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("%s: %w", graphName(modelPath), errNoWindowsRunner)
}

func (r *Runner) Run(context.Context, map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, errNoWindowsRunner
}

func (r *Runner) Close() {}

func (r *Runner) Name() string { return r.name }
