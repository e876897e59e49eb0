package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	gograph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"shardd/internal/layer"
	"shardd/pkg/types"
)

// Persisted file names inside a <model>_shards directory.
const (
	shardInfoFile    = "shard_info.json"
	checksumsFile    = "checksums.json"
	layerMappingFile = "layer_mapping.json"
	residualFile     = "model_residual.bin"
)

const defaultShardSize = 1 << 30

// Splitter cuts model files into shards and merges them back. Operations on
// the same model are serialized; concurrent callers get a busy error.
type Splitter struct {
	log      zerolog.Logger
	analyzer *layer.Analyzer
	// baseDir hosts the <model>_shards directories; empty means "next to
	// the model file".
	baseDir string

	tracker *stateTracker

	// shardSize is atomic: the policy manager reconfigures it from HTTP
	// handlers and the degradation path while splits may be in flight.
	shardSize atomic.Int64
}

// NewSplitter builds a Splitter writing shards under baseDir.
func NewSplitter(log zerolog.Logger, analyzer *layer.Analyzer, baseDir string) *Splitter {
	s := &Splitter{
		log:      log,
		analyzer: analyzer,
		baseDir:  baseDir,
		tracker:  newStateTracker(),
	}
	s.shardSize.Store(defaultShardSize)
	return s
}

// SetShardSize reconfigures the physical shard size for subsequent splits.
func (s *Splitter) SetShardSize(n int64) {
	if n > 0 {
		s.shardSize.Store(n)
	}
}

// ShardSize returns the current physical shard size.
func (s *Splitter) ShardSize() int64 { return s.shardSize.Load() }

// ModelState returns the split/merge lifecycle state for a model name.
func (s *Splitter) ModelState(modelName string) State { return s.tracker.get(modelName) }

// ModelName derives the shard-directory model name from a model path.
func ModelName(modelPath string) string {
	base := filepath.Base(modelPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ShardDir returns the shard directory used for a model path.
func (s *Splitter) ShardDir(modelPath string) string {
	parent := s.baseDir
	if parent == "" {
		parent = filepath.Dir(modelPath)
	}
	return filepath.Join(parent, ModelName(modelPath)+"_shards")
}

// Split executes a shard plan against a model file. Layer-wise splitting
// falls back to physical splitting for the whole model when any part of the
// extraction fails, rather than leaving a partial layer-wise result.
func (s *Splitter) Split(modelPath string, plan types.ShardPlan) (*types.ShardInfo, error) {
	modelName := ModelName(modelPath)
	if err := s.tracker.begin(modelName, StateSplitting); err != nil {
		return nil, err
	}
	info, err := s.split(modelPath, plan)
	if err != nil {
		s.tracker.finish(modelName, StateUnsplit)
		return nil, err
	}
	s.tracker.finish(modelName, StateSplit)
	return info, nil
}

func (s *Splitter) split(modelPath string, plan types.ShardPlan) (*types.ShardInfo, error) {
	st, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	dir := s.ShardDir(modelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}

	if plan.ShardSizeBytes <= 0 {
		plan.ShardSizeBytes = s.shardSize.Load()
	}

	start := time.Now()
	var (
		shards  []types.ShardMetadata
		mapping *layerMapping
		mode    = plan.LoadingMode
	)
	if mode == types.LoadLayerwise {
		shards, mapping, err = s.splitLayerwise(modelPath, dir, plan)
		if err != nil {
			s.log.Warn().Err(err).Str("model", modelPath).
				Msg("layer-wise split failed, falling back to physical")
			mode = types.LoadPhysical
			shards, err = s.splitPhysical(modelPath, dir, plan.ShardSizeBytes)
		}
	} else {
		shards, err = s.splitPhysical(modelPath, dir, plan.ShardSizeBytes)
	}
	if err != nil {
		return nil, err
	}

	plan.LoadingMode = mode
	plan.NumShards = len(shards)
	info := &types.ShardInfo{
		ModelName:    ModelName(modelPath),
		ModelPath:    modelPath,
		ModelSize:    st.Size(),
		StrategyType: mode,
		Plan:         plan,
		Shards:       shards,
		CreatedAt:    time.Now(),
		SplitSeconds: time.Since(start).Seconds(),
	}
	if err := s.persist(dir, info, mapping); err != nil {
		return nil, err
	}
	s.log.Info().Str("model", info.ModelName).Int("shards", len(shards)).
		Str("mode", string(mode)).Dur("took", time.Since(start)).Msg("model split")
	return info, nil
}

// persist writes shard_info.json, checksums.json and, for layer-wise
// splits, layer_mapping.json.
func (s *Splitter) persist(dir string, info *types.ShardInfo, mapping *layerMapping) error {
	if err := writeJSON(filepath.Join(dir, shardInfoFile), info); err != nil {
		return err
	}
	sums := struct {
		Checksums []string `json:"checksums"`
	}{}
	for _, sh := range info.Shards {
		sums.Checksums = append(sums.Checksums, sh.SHA256)
	}
	if err := writeJSON(filepath.Join(dir, checksumsFile), sums); err != nil {
		return err
	}
	if mapping != nil {
		if err := writeJSON(filepath.Join(dir, layerMappingFile), mapping); err != nil {
			return err
		}
	}
	return nil
}

func shardID(i int) string { return fmt.Sprintf("shard_%03d", i+1) }

// splitPhysical cuts the file into sequential byte ranges of shardSize,
// hashing each shard as it is written. Each shard depends on its
// predecessor so merge order matches file order.
func (s *Splitter) splitPhysical(modelPath, dir string, shardSize int64) ([]types.ShardMetadata, error) {
	src, err := os.Open(modelPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var shards []types.ShardMetadata
	for i := 0; ; i++ {
		name := fmt.Sprintf("model_part_%03d.bin", i+1)
		path := filepath.Join(dir, name)
		n, sum, err := writeLimited(path, src, shardSize)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		if n == 0 {
			_ = os.Remove(path)
			break
		}
		meta := types.ShardMetadata{
			ShardID:   shardID(i),
			SHA256:    sum,
			SizeBytes: n,
			Path:      path,
		}
		if i > 0 {
			meta.DependsOn = []string{shardID(i - 1)}
		}
		shards = append(shards, meta)
		if n < shardSize {
			break
		}
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("model file is empty: %s", modelPath)
	}
	return shards, nil
}

// writeLimited copies up to limit bytes from r into path, returning the
// byte count and hex SHA-256 of what was written.
func writeLimited(path string, r io.Reader, limit int64) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	n, err := io.CopyN(io.MultiWriter(f, h), r, limit)
	if err != nil && err != io.EOF {
		f.Close()
		return 0, "", err
	}
	if cerr := f.Close(); cerr != nil {
		return 0, "", cerr
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// layerMapping is the persisted layer_mapping.json for layer-wise shards.
// Residual regions are the file bytes not covered by any tensor (headers,
// padding); keeping them makes the merge byte-identical to the source.
type layerMapping struct {
	Layers   map[string]layerLocation `json:"layers"`
	Residual residualInfo             `json:"residual"`
}

type layerLocation struct {
	ShardID       string `json:"shard_id"`
	OffsetInShard int64  `json:"offset_in_shard"`
	SourceOffset  int64  `json:"source_offset"`
	Size          int64  `json:"size"`
}

type residualInfo struct {
	Path    string           `json:"path"`
	SHA256  string           `json:"sha256"`
	Regions []residualRegion `json:"regions"`
}

type residualRegion struct {
	SourceOffset int64 `json:"source_offset"`
	OffsetInFile int64 `json:"offset_in_file"`
	Size         int64 `json:"size"`
}

// splitLayerwise extracts each layer group's tensors into its own shard
// file. Any failure aborts the whole layer-wise attempt; the caller falls
// back to physical splitting.
func (s *Splitter) splitLayerwise(modelPath, dir string, plan types.ShardPlan) ([]types.ShardMetadata, *layerMapping, error) {
	graph, err := s.analyzer.Analyze(modelPath)
	if err != nil {
		return nil, nil, err
	}
	tensors, err := layer.LoadTensorTable(modelPath)
	if err != nil {
		return nil, nil, err
	}
	tensorByName := make(map[string]layer.TensorInfo, len(tensors))
	for _, ti := range tensors {
		tensorByName[ti.Name] = ti
	}

	groups := plan.LayerGroups
	if len(groups) == 0 {
		target := plan.NumShards
		if target <= 0 {
			target = groupCountForSize(graph.TotalBytes(), plan.ShardSizeBytes)
		}
		groups, err = layer.GenerateLayerGroups(graph, target)
		if err != nil {
			return nil, nil, err
		}
		// Community detection optimizes modularity, not load order. When
		// the resulting groups depend on each other cyclically, regroup
		// along the dependency order instead.
		if !groupsOrderable(graph, groups) {
			groups, err = topoChunks(graph, len(groups))
			if err != nil {
				return nil, nil, err
			}
		}
	} else if !groupsOrderable(graph, groups) {
		return nil, nil, fmt.Errorf("provided layer groups have cyclic dependencies")
	}

	src, err := os.Open(modelPath)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return nil, nil, err
	}

	mapping := &layerMapping{Layers: make(map[string]layerLocation)}
	groupOf := make(map[string]int)
	var shards []types.ShardMetadata
	for gi, group := range groups {
		names := append([]string{}, group...)
		sort.Strings(names)
		fileName := fmt.Sprintf("layers_%03d.bin", gi+1)
		path := filepath.Join(dir, fileName)
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		h := sha256.New()
		w := io.MultiWriter(f, h)
		var written int64
		for _, name := range names {
			ti, ok := tensorByName[name]
			if !ok {
				f.Close()
				return nil, nil, fmt.Errorf("layer %q not present in tensor table", name)
			}
			if _, err := io.Copy(w, io.NewSectionReader(src, ti.Offset, ti.Size)); err != nil {
				f.Close()
				return nil, nil, fmt.Errorf("extract %q: %w", name, err)
			}
			mapping.Layers[name] = layerLocation{
				ShardID:       shardID(gi),
				OffsetInShard: written,
				SourceOffset:  ti.Offset,
				Size:          ti.Size,
			}
			groupOf[name] = gi
			written += ti.Size
		}
		if err := f.Close(); err != nil {
			return nil, nil, err
		}
		shards = append(shards, types.ShardMetadata{
			ShardID:   shardID(gi),
			Layers:    names,
			SHA256:    hex.EncodeToString(h.Sum(nil)),
			SizeBytes: written,
			Path:      path,
		})
	}

	if err := s.writeResidual(src, st.Size(), tensors, dir, mapping); err != nil {
		return nil, nil, err
	}

	attachDependencies(shards, graph, groupOf)
	// A partition whose inter-group dependencies cannot be ordered is not
	// loadable; treat it like any other extraction failure.
	if _, err := loadingOrder(shards); err != nil {
		return nil, nil, fmt.Errorf("layer groups not orderable: %w", err)
	}
	return shards, mapping, nil
}

// groupCountForSize derives a shard count from total bytes and target size.
func groupCountForSize(total, shardSize int64) int {
	if shardSize <= 0 {
		shardSize = defaultShardSize
	}
	n := int((total + shardSize - 1) / shardSize)
	if n < 1 {
		n = 1
	}
	return n
}

// writeResidual saves the byte regions not owned by any tensor so the merge
// can reconstruct the original file exactly.
func (s *Splitter) writeResidual(src *os.File, fileSize int64, tensors []layer.TensorInfo, dir string, mapping *layerMapping) error {
	type interval struct{ start, end int64 }
	covered := make([]interval, 0, len(tensors))
	for _, ti := range tensors {
		if ti.Size > 0 {
			covered = append(covered, interval{ti.Offset, ti.Offset + ti.Size})
		}
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].start < covered[j].start })

	path := filepath.Join(dir, residualFile)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	h := sha256.New()
	w := io.MultiWriter(f, h)
	var cursor, written int64
	emit := func(start, end int64) error {
		if end <= start {
			return nil
		}
		if _, err := io.Copy(w, io.NewSectionReader(src, start, end-start)); err != nil {
			return err
		}
		mapping.Residual.Regions = append(mapping.Residual.Regions, residualRegion{
			SourceOffset: start,
			OffsetInFile: written,
			Size:         end - start,
		})
		written += end - start
		return nil
	}
	for _, iv := range covered {
		if iv.start > cursor {
			if err := emit(cursor, iv.start); err != nil {
				f.Close()
				return err
			}
		}
		if iv.end > cursor {
			cursor = iv.end
		}
	}
	if err := emit(cursor, fileSize); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	mapping.Residual.Path = residualFile
	mapping.Residual.SHA256 = hex.EncodeToString(h.Sum(nil))
	return nil
}

// groupsOrderable reports whether the group-level dependency graph induced
// by cross-group layer edges is acyclic.
func groupsOrderable(graph *layer.Graph, groups [][]string) bool {
	groupOf := make(map[string]int)
	for gi, group := range groups {
		for _, name := range group {
			groupOf[name] = gi
		}
	}
	shards := make([]types.ShardMetadata, len(groups))
	for gi := range groups {
		shards[gi].ShardID = shardID(gi)
	}
	attachDependencies(shards, graph, groupOf)
	_, err := loadingOrder(shards)
	return err == nil
}

// topoChunks partitions the graph's layers into n contiguous chunks of a
// topological order, balanced by bytes. Every layer edge points forward
// across chunks, so the resulting shard dependencies are always acyclic.
func topoChunks(graph *layer.Graph, n int) ([][]string, error) {
	layers := graph.Layers()
	if n < 1 {
		n = 1
	}
	if n > len(layers) {
		n = len(layers)
	}
	index := make(map[string]int64, len(layers))
	g := simple.NewDirectedGraph()
	for i, d := range layers {
		index[d.Name] = int64(i)
		g.AddNode(simple.Node(i))
	}
	for _, e := range graph.Edges() {
		fi, fok := index[e.From]
		ti, tok := index[e.To]
		if !fok || !tok || fi == ti {
			continue
		}
		g.SetEdge(g.NewEdge(simple.Node(fi), simple.Node(ti)))
	}
	nodes, err := topo.SortStabilized(g, func(ns []gograph.Node) {
		sort.Slice(ns, func(i, j int) bool { return ns[i].ID() < ns[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("layer dependency cycle: %w", err)
	}

	quota := graph.TotalBytes() / int64(n)
	groups := make([][]string, 0, n)
	var cur []string
	var curBytes int64
	remaining := len(nodes)
	for _, node := range nodes {
		d := layers[node.ID()]
		cur = append(cur, d.Name)
		curBytes += d.SizeBytes
		remaining--
		// Leave at least one layer for each chunk still to open.
		if curBytes >= quota && len(groups) < n-1 && remaining >= n-len(groups)-1 {
			groups = append(groups, cur)
			cur = nil
			curBytes = 0
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups, nil
}

// attachDependencies records shard-level dependencies from cross-group layer
// edges: a shard holding a consumer depends on the shard holding what it
// consumes.
func attachDependencies(shards []types.ShardMetadata, graph *layer.Graph, groupOf map[string]int) {
	deps := make(map[int]map[int]struct{})
	for _, e := range graph.Edges() {
		fg, fok := groupOf[e.From]
		tg, tok := groupOf[e.To]
		if !fok || !tok || fg == tg {
			continue
		}
		if deps[tg] == nil {
			deps[tg] = make(map[int]struct{})
		}
		deps[tg][fg] = struct{}{}
	}
	for gi := range shards {
		var ids []string
		for dep := range deps[gi] {
			ids = append(ids, shardID(dep))
		}
		sort.Strings(ids)
		shards[gi].DependsOn = ids
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
