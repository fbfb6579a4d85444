package config

import (
	"fmt"
	"strings"
)

const (
	BackendPiper  = "piper"
	BackendPocket = "pocket-tts"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendPiper
	}
	switch backend {
	case BackendPiper, BackendPocket:
		return backend, nil
	case "pocket", "pockettts":
		return BackendPocket, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s)",
			raw,
			BackendPiper,
			BackendPocket,
		)
	}
}
