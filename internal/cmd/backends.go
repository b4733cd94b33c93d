package cmd

import (
	"context"
	"fmt"

	"github.com/voxterm/switchboard/internal/backend"
	"github.com/voxterm/switchboard/internal/config"
)

// builtBackend pairs a constructed backend with its registration metadata.
// Order matters: the first declared backend is the primary.
type builtBackend struct {
	ID      string
	Weight  int
	Backend backend.Backend
}

// buildBackends constructs and initializes every declared backend. On any
// failure the already-initialized ones are closed before returning.
func buildBackends(ctx context.Context, cfgs []config.BackendConfig) ([]builtBackend, error) {
	built := make([]builtBackend, 0, len(cfgs))

	fail := func(err error) ([]builtBackend, error) {
		for _, b := range built {
			b.Backend.Close() //nolint:errcheck
		}
		return nil, err
	}

	for _, bc := range cfgs {
		var b backend.Backend
		switch bc.Type {
		case "tmux":
			b = backend.NewTmuxBackend()
		case "remote":
			b = backend.NewRemoteBackend()
		default:
			// Validate rejects unknown types at load.
			return fail(fmt.Errorf("backend %q: unknown type %q", bc.ID, bc.Type))
		}

		err := b.Initialize(ctx, backend.Config{
			SocketName:     bc.SocketName,
			CommandTimeout: bc.CommandTimeout.Std(),
			BaseURL:        bc.BaseURL,
			Token:          bc.Token,
		})
		if err != nil {
			return fail(fmt.Errorf("initializing backend %q: %w", bc.ID, err))
		}

		weight := bc.Weight
		if weight < 1 {
			weight = 1
		}
		built = append(built, builtBackend{ID: bc.ID, Weight: weight, Backend: b})
	}
	return built, nil
}

func closeBackends(built []builtBackend) {
	for _, b := range built {
		b.Backend.Close() //nolint:errcheck
	}
}
