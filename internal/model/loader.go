package model

import "inferd/pkg/types"

// Loader materializes a Capability from a ModelConfig. The Model Registry
// holds one Loader per model name and calls it once per (name, version)
// load.
type Loader func(cfg types.ModelConfig) (Capability, error)

// MockLoader returns a Loader that always hands back a fresh Mock backend,
// ignoring LoadPath. Used as the default backend so the server is runnable
// without a GPU.
func MockLoader() Loader {
	return func(cfg types.ModelConfig) (Capability, error) {
		return NewMock(), nil
	}
}

// LlamaServerLoader returns a Loader that spawns (or reuses) an external
// llama.cpp server process for cfg.LoadPath.
func LlamaServerLoader(cfg LlamaServerConfig) Loader {
	return func(mc types.ModelConfig) (Capability, error) {
		return NewLlamaServer(mc.LoadPath, cfg), nil
	}
}
