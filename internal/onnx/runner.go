//go:build !windows

package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

// Runner owns one ORT session. Concurrent stream sessions may call Run at
// the same time; Close blocks until in-flight runs have returned.
type Runner struct {
	name string
	path string

	mu      sync.RWMutex
	rt      *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner loads the graph at modelPath.
func NewRunner(modelPath string, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}

	r := &Runner{name: graphName(modelPath), path: modelPath}
	if err := r.open(cfg); err != nil {
		r.release()
		return nil, err
	}

	return r, nil
}

func (r *Runner) open(cfg RunnerConfig) error {
	var err error

	if r.rt, err = ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion); err != nil {
		return fmt.Errorf("load onnx runtime %s (api %d): %w", cfg.LibraryPath, cfg.APIVersion, err)
	}
	if r.env, err = r.rt.NewEnv("vitsstream-"+r.name, ort.LoggingLevelWarning); err != nil {
		return fmt.Errorf("ort env for %s: %w", r.name, err)
	}
	if r.session, err = r.rt.NewSession(r.env, r.path, nil); err != nil {
		return fmt.Errorf("open graph %s: %w", r.path, err)
	}

	return nil
}

// Run feeds inputs to the graph and copies every output back into Go
// memory.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunnerClosed, r.name)
	}

	feeds := make(values, len(inputs))
	defer feeds.close()

	for name, t := range inputs {
		v, err := toValue(r.rt, t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		feeds[name] = v
	}

	fetched, err := r.session.Run(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", r.name, err)
	}
	defer values(fetched).close()

	out := make(map[string]*Tensor, len(fetched))
	for name, v := range fetched {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		out[name] = t
	}

	return out, nil
}

// Close waits for running inferences and releases the session. Later Run
// calls fail with ErrRunnerClosed.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.release()
}

func (r *Runner) release() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.rt != nil {
		_ = r.rt.Close()
		r.rt = nil
	}
}

// Name returns the graph name derived from the model file name.
func (r *Runner) Name() string { return r.name }

// values is a set of ORT values released together.
type values map[string]*ort.Value

func (vs values) close() {
	for _, v := range vs {
		if v != nil {
			v.Close()
		}
	}
}

func toValue(rt *ort.Runtime, t *Tensor) (*ort.Value, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}

	switch t.dtype {
	case DTypeFloat32:
		return ort.NewTensorValue(rt, t.f32, t.shape)
	case DTypeInt64:
		return ort.NewTensorValue(rt, t.i64, t.shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", t.dtype)
	}
}

func fromValue(v *ort.Value) (*Tensor, error) {
	elem, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("element type: %w", err)
	}

	switch elem {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elem)
	}
}
