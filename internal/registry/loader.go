package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"shardd/internal/common/fsutil"
	"shardd/pkg/types"
)

// modelExtensions maps recognized model file extensions to a format label.
var modelExtensions = map[string]string{
	".gguf":        "gguf",
	".safetensors": "safetensors",
	".bin":         "pytorch",
	".pt":          "pytorch",
	".pth":         "pytorch",
}

var quantRE = regexp.MustCompile(`(?i)\b(i?q[0-9]_[a-z0-9_]+|q[0-9]_[0-9]|f16|f32|bf16)\b`)

// Scanner discovers model artifacts on disk.
type Scanner struct{}

// NewScanner builds a filesystem model scanner.
func NewScanner() *Scanner { return &Scanner{} }

// Scan lists the model files in dir. ID is the full filename; Path is
// absolute. Format comes from the extension and Quant from the filename,
// e.g. "llama-3.1-8b-q4_k_m.gguf" yields Quant "q4_k_m".
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.PathExists(abs) {
		return nil, fmt.Errorf("models directory does not exist: %s", abs)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		format, ok := modelExtensions[strings.ToLower(filepath.Ext(name))]
		if !ok {
			continue
		}
		m := types.Model{
			ID:     name,
			Name:   strings.TrimSuffix(name, filepath.Ext(name)),
			Path:   filepath.Join(abs, name),
			Format: format,
			Quant:  strings.ToLower(quantRE.FindString(name)),
		}
		if fi, err := e.Info(); err == nil {
			m.SizeBytes = fi.Size()
		}
		models = append(models, m)
	}
	return models, nil
}

// LoadDir scans dir with a default Scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}
