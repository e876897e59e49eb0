package shard

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"shardd/internal/layer"
)

func testSplitter(t *testing.T, dir string) *Splitter {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewSplitter(log, layer.NewAnalyzer(log), dir)
}

// writeRawModel writes size bytes of a deterministic pattern.
func writeRawModel(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

// writeTransformerModel writes a small valid safetensors file with nBlocks
// transformer blocks so layer-wise splitting has real structure to work on.
func writeTransformerModel(t *testing.T, dir, name string, nBlocks int, tensorSize int64) string {
	t.Helper()
	type tensor struct {
		name string
		size int64
	}
	tensors := []tensor{{name: "model.embed_tokens.weight", size: tensorSize}}
	for b := 0; b < nBlocks; b++ {
		tensors = append(tensors,
			tensor{name: fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", b), size: tensorSize},
			tensor{name: fmt.Sprintf("model.layers.%d.mlp.down_proj.weight", b), size: tensorSize},
		)
	}
	tensors = append(tensors, tensor{name: "lm_head.weight", size: tensorSize})

	header := make(map[string]any, len(tensors))
	var offset int64
	for _, ti := range tensors {
		header[ti.name] = map[string]any{
			"dtype":        "F32",
			"shape":        []int64{ti.size / 4},
			"data_offsets": []int64{offset, offset + ti.size},
		}
		offset += ti.size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8+len(hb)+int(offset))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(hb)))
	copy(buf[8:], hb)
	data := buf[8+len(hb):]
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
