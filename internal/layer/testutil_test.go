package layer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// stTensor describes one tensor to place in a generated safetensors file.
type stTensor struct {
	name  string
	shape []int64
	size  int64
}

// writeSafetensors writes a minimal valid safetensors file and returns its
// path. Tensor data is a deterministic byte pattern so checksum tests can
// rely on content.
func writeSafetensors(t *testing.T, dir, name string, tensors []stTensor) string {
	t.Helper()
	header := make(map[string]any, len(tensors)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var offset int64
	for _, ti := range tensors {
		header[ti.name] = map[string]any{
			"dtype":        "F32",
			"shape":        ti.shape,
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
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// transformerTensors builds a plausible tensor list for nBlocks transformer
// blocks plus embedding, final norm and head.
func transformerTensors(nBlocks int, tensorSize int64) []stTensor {
	ts := []stTensor{
		{name: "model.embed_tokens.weight", shape: []int64{1000, 64}, size: tensorSize},
	}
	for b := 0; b < nBlocks; b++ {
		ts = append(ts,
			stTensor{name: fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", b), shape: []int64{64, 64}, size: tensorSize},
			stTensor{name: fmt.Sprintf("model.layers.%d.self_attn.o_proj.weight", b), shape: []int64{64, 64}, size: tensorSize},
			stTensor{name: fmt.Sprintf("model.layers.%d.mlp.gate_proj.weight", b), shape: []int64{64, 128}, size: tensorSize},
			stTensor{name: fmt.Sprintf("model.layers.%d.mlp.down_proj.weight", b), shape: []int64{128, 64}, size: tensorSize},
			stTensor{name: fmt.Sprintf("model.layers.%d.input_layernorm.weight", b), shape: []int64{64}, size: 64},
		)
	}
	ts = append(ts,
		stTensor{name: "model.norm.weight", shape: []int64{64}, size: 64},
		stTensor{name: "lm_head.weight", shape: []int64{64, 1000}, size: tensorSize},
	)
	return ts
}
