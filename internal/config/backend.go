package config

import (
	"fmt"
	"strings"
)

const (
	BackendTone = "tone"
	BackendONNX = "onnx"
	BackendExec = "exec"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendTone
	}
	switch backend {
	case BackendTone, BackendONNX, BackendExec:
		return backend, nil
	case "vits", "native-onnx":
		return BackendONNX, nil
	case "cli", "subprocess":
		return BackendExec, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s|%s)",
			raw,
			BackendTone,
			BackendONNX,
			BackendExec,
		)
	}
}
