package layer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// Descriptor is one classified layer of a model.
type Descriptor struct {
	Name      string          `json:"name"`
	Type      types.LayerType `json:"type"`
	Shape     []int64         `json:"shape"`
	SizeBytes int64           `json:"size_bytes"`
}

// Edge is a dependency edge: To consumes the output of From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Edge kinds.
const (
	EdgeBlock      = "block"       // within one transformer block
	EdgeCrossBlock = "cross_block" // ffn of block i feeding attention of block i+1
)

// Graph is a model's layer-dependency graph. Built once per model path and
// cached by the Analyzer; treat as immutable after Analyze returns.
type Graph struct {
	ModelPath string
	Format    Format

	layers  []Descriptor // sorted by name
	byName  map[string]int
	edges   []Edge
	blockOf map[string]int // -1 when the layer has no block index
}

// Layers returns the layers sorted by name.
func (g *Graph) Layers() []Descriptor { return g.layers }

// Edges returns the dependency edges.
func (g *Graph) Edges() []Edge { return g.edges }

// Layer looks up a layer descriptor by name.
func (g *Graph) Layer(name string) (Descriptor, bool) {
	i, ok := g.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return g.layers[i], true
}

// TotalBytes sums the byte size of all layers.
func (g *Graph) TotalBytes() int64 {
	var n int64
	for _, l := range g.layers {
		n += l.SizeBytes
	}
	return n
}

// BlockIndex returns the numeric block index of a layer, or -1.
func (g *Graph) BlockIndex(name string) int {
	if b, ok := g.blockOf[name]; ok {
		return b
	}
	return -1
}

// classRules classify tensor names by ordered substring match, first match
// wins. Order matters: "output_norm" must classify as normalization, not
// output.
var classRules = []struct {
	layerType types.LayerType
	patterns  []string
}{
	{types.LayerEmbedding, []string{"embed", "wte", "wpe", "tok_embd"}},
	{types.LayerAttention, []string{"attn", "attention", "q_proj", "k_proj", "v_proj", "o_proj"}},
	{types.LayerFFN, []string{"mlp", "ffn", "feed_forward", "gate_proj", "up_proj", "down_proj", "fc1", "fc2"}},
	{types.LayerNormalization, []string{"norm", "ln_", "layernorm"}},
	{types.LayerOutput, []string{"lm_head", "output", "head"}},
}

// Classify maps a tensor name to its layer type.
func Classify(name string) types.LayerType {
	lower := strings.ToLower(name)
	for _, rule := range classRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.layerType
			}
		}
	}
	return types.LayerOther
}

// blockIndexRE captures the first dotted numeric path segment, the
// transformer block index in common naming schemes (model.layers.12.…,
// transformer.h.3.…).
var blockIndexRE = regexp.MustCompile(`\.(\d+)\.`)

// blockIndex extracts the block index from a tensor name, -1 when absent.
func blockIndex(name string) int {
	m := blockIndexRE.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// Analyzer parses model files into layer graphs, caching by model path.
type Analyzer struct {
	log zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Graph
}

// NewAnalyzer builds an Analyzer with an empty cache.
func NewAnalyzer(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log, cache: make(map[string]*Graph)}
}

// Analyze loads the model's tensor table and builds its dependency graph.
// Repeated calls for the same path return the cached graph.
func (a *Analyzer) Analyze(modelPath string) (*Graph, error) {
	a.mu.Lock()
	if g, ok := a.cache[modelPath]; ok {
		a.mu.Unlock()
		return g, nil
	}
	a.mu.Unlock()

	format, err := DetectFormat(modelPath)
	if err != nil {
		return nil, err
	}
	tensors, err := format.loader().Load(modelPath)
	if err != nil {
		return nil, err
	}
	g := BuildGraph(modelPath, format, tensors)
	a.log.Debug().Str("model", modelPath).Int("layers", len(g.layers)).
		Int("edges", len(g.edges)).Msg("layer graph built")

	a.mu.Lock()
	a.cache[modelPath] = g
	a.mu.Unlock()
	return g, nil
}

// Invalidate drops the cached graph for a model path.
func (a *Analyzer) Invalidate(modelPath string) {
	a.mu.Lock()
	delete(a.cache, modelPath)
	a.mu.Unlock()
}

// BuildGraph classifies tensors and derives dependency edges with the
// positional block heuristic: within a block the data path is
// embedding -> attention -> ffn, and the ffn of block i feeds the attention
// of block i+1.
func BuildGraph(modelPath string, format Format, tensors []TensorInfo) *Graph {
	g := &Graph{
		ModelPath: modelPath,
		Format:    format,
		byName:    make(map[string]int, len(tensors)),
		blockOf:   make(map[string]int, len(tensors)),
	}
	for _, ti := range tensors {
		g.layers = append(g.layers, Descriptor{
			Name:      ti.Name,
			Type:      Classify(ti.Name),
			Shape:     ti.Shape,
			SizeBytes: ti.Size,
		})
	}
	sort.Slice(g.layers, func(i, j int) bool { return g.layers[i].Name < g.layers[j].Name })
	for i, l := range g.layers {
		g.byName[l.Name] = i
		if b := blockIndex(l.Name); b >= 0 {
			g.blockOf[l.Name] = b
		}
	}
	g.edges = deriveEdges(g)
	return g
}

// deriveEdges applies the positional heuristics over block-indexed layers.
func deriveEdges(g *Graph) []Edge {
	// Group layer names per block and type, keeping name order.
	type blockLayers struct {
		embedding, attention, ffn []string
	}
	blocks := make(map[int]*blockLayers)
	var blockIDs []int
	for _, l := range g.layers {
		b, ok := g.blockOf[l.Name]
		if !ok {
			continue
		}
		bl := blocks[b]
		if bl == nil {
			bl = &blockLayers{}
			blocks[b] = bl
			blockIDs = append(blockIDs, b)
		}
		switch l.Type {
		case types.LayerEmbedding:
			bl.embedding = append(bl.embedding, l.Name)
		case types.LayerAttention:
			bl.attention = append(bl.attention, l.Name)
		case types.LayerFFN:
			bl.ffn = append(bl.ffn, l.Name)
		}
	}
	sort.Ints(blockIDs)

	var edges []Edge
	link := func(from, to []string, kind string) {
		for _, f := range from {
			for _, t := range to {
				edges = append(edges, Edge{From: f, To: t, Kind: kind})
			}
		}
	}
	for i, b := range blockIDs {
		bl := blocks[b]
		link(bl.embedding, bl.attention, EdgeBlock)
		link(bl.attention, bl.ffn, EdgeBlock)
		if i+1 < len(blockIDs) {
			next := blocks[blockIDs[i+1]]
			link(bl.ffn, next.attention, EdgeCrossBlock)
		}
	}
	return edges
}
