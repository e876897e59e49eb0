package layer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Format is the tagged model file format, resolved once per model path.
type Format int

const (
	FormatSafeTensors Format = iota
	FormatPyTorch
)

func (f Format) String() string {
	switch f {
	case FormatSafeTensors:
		return "safetensors"
	case FormatPyTorch:
		return "pytorch"
	default:
		return "unknown"
	}
}

// TensorInfo is one entry of a model's tensor-name table. Offset and Size
// address the tensor's raw bytes inside the model file.
type TensorInfo struct {
	Name   string  `json:"name"`
	DType  string  `json:"dtype"`
	Shape  []int64 `json:"shape"`
	Offset int64   `json:"offset"`
	Size   int64   `json:"size"`
}

// tableLoader loads a tensor-name table; one implementation per format.
type tableLoader interface {
	Load(path string) ([]TensorInfo, error)
}

// DetectFormat resolves the model format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafeTensors, nil
	case ".bin", ".pt", ".pth":
		return FormatPyTorch, nil
	default:
		return 0, fmt.Errorf("unsupported model format: %s", filepath.Ext(path))
	}
}

// loader returns the table loader for the format.
func (f Format) loader() tableLoader {
	switch f {
	case FormatSafeTensors:
		return safetensorsLoader{}
	case FormatPyTorch:
		return pytorchLoader{}
	default:
		return nil
	}
}

// maxHeaderBytes bounds the safetensors JSON header to reject corrupt files
// before allocating.
const maxHeaderBytes = 100 << 20

// safetensorsLoader parses the real safetensors layout: an 8-byte
// little-endian header length, a JSON header mapping tensor names to dtype,
// shape and data offsets, then the raw tensor buffer.
type safetensorsLoader struct{}

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (safetensorsLoader) Load(path string) ([]TensorInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read safetensors header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("implausible safetensors header length %d", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return nil, fmt.Errorf("parse safetensors header: %w", err)
	}

	dataStart := int64(8 + headerLen)
	var tensors []TensorInfo
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse tensor %q: %w", name, err)
		}
		if e.DataOffsets[1] < e.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %q: negative extent", name)
		}
		tensors = append(tensors, TensorInfo{
			Name:   name,
			DType:  e.DType,
			Shape:  e.Shape,
			Offset: dataStart + e.DataOffsets[0],
			Size:   e.DataOffsets[1] - e.DataOffsets[0],
		})
	}
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })
	return tensors, nil
}

// pytorchLoader reads the tensor table from a sidecar index next to the
// pickle file (<model>.tensors.json); Go does not parse pickle archives, so
// the export pipeline emits the index alongside the weights.
type pytorchLoader struct{}

type pytorchIndex struct {
	Tensors []TensorInfo `json:"tensors"`
}

// SidecarPath returns the tensor-index path for a pytorch model file.
func SidecarPath(modelPath string) string { return modelPath + ".tensors.json" }

func (pytorchLoader) Load(path string) ([]TensorInfo, error) {
	b, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pytorch model %s has no tensor index (%s): %w", filepath.Base(path), filepath.Base(SidecarPath(path)), err)
		}
		return nil, err
	}
	var idx pytorchIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parse tensor index: %w", err)
	}
	tensors := idx.Tensors
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })
	return tensors, nil
}

// LoadTensorTable resolves the format and loads the tensor table.
func LoadTensorTable(path string) ([]TensorInfo, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	return format.loader().Load(path)
}
