package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// DiscoverGGUF scans dir for *.gguf files and builds one ModelConfig per
// file, using the filename (without extension) as the model name and
// "1.0.0" as its version. It is a convenience for the common case of one
// llama.cpp-compatible weight file per model; callers wanting multiple
// versions of the same name, or non-default MaxSeqLength/WarmupTokens, should
// construct types.ModelConfig values directly instead.
func DiscoverGGUF(dir string) ([]types.ModelConfig, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var configs []types.ModelConfig
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		modelName := strings.TrimSuffix(name, filepath.Ext(name))
		configs = append(configs, types.ModelConfig{
			Name:         modelName,
			Version:      "1.0.0",
			LoadPath:     filepath.Join(abs, name),
			MaxSeqLength: 4096,
		})
	}
	return configs, nil
}
