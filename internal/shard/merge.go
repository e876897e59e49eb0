package shard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"shardd/pkg/types"
)

// ReadShardInfo loads the shard_info.json persisted in a shard directory.
func ReadShardInfo(dir string) (*types.ShardInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, shardInfoFile))
	if err != nil {
		return nil, fmt.Errorf("read shard info: %w", err)
	}
	var info types.ShardInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parse shard info: %w", err)
	}
	return &info, nil
}

// LoadingOrder returns the shard IDs of info in dependency order: every
// shard appears after all shards it depends on. It fails loudly on a
// missing dependency or a cycle instead of guessing an order.
func LoadingOrder(info *types.ShardInfo) ([]string, error) {
	return loadingOrder(info.Shards)
}

func loadingOrder(shards []types.ShardMetadata) ([]string, error) {
	index := make(map[string]int, len(shards))
	for i, sh := range shards {
		index[sh.ShardID] = i
	}
	g := simple.NewDirectedGraph()
	for i := range shards {
		g.AddNode(simple.Node(i))
	}
	for i, sh := range shards {
		for _, dep := range sh.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("shard %s depends on unknown shard %s", sh.ShardID, dep)
			}
			if j == i {
				return nil, fmt.Errorf("shard %s depends on itself", sh.ShardID)
			}
			g.SetEdge(g.NewEdge(simple.Node(j), simple.Node(i)))
		}
	}
	nodes, err := topo.SortStabilized(g, func(ns []graph.Node) {
		sort.Slice(ns, func(i, j int) bool { return ns[i].ID() < ns[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("shard dependency cycle: %w", err)
	}
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		order = append(order, shards[n.ID()].ShardID)
	}
	return order, nil
}

// MergeOptions control Merge behavior.
type MergeOptions struct {
	// OutputPath overrides the default <shardDir>/<model>_merged<ext>.
	OutputPath string
	// Verify recomputes every shard checksum before writing any output.
	Verify bool
}

// Merge reassembles a shard directory into a single model file that is
// byte-identical to the original. The output is written to a temporary
// file and renamed into place, so a failed merge leaves nothing partial.
func (s *Splitter) Merge(ctx context.Context, shardDir string, opts MergeOptions) (string, error) {
	info, err := ReadShardInfo(shardDir)
	if err != nil {
		return "", err
	}
	if err := s.tracker.begin(info.ModelName, StateMerging); err != nil {
		return "", err
	}
	out, err := s.merge(ctx, shardDir, info, opts)
	if err != nil {
		s.tracker.finish(info.ModelName, StateSplit)
		return "", err
	}
	s.tracker.finish(info.ModelName, StateMerged)
	return out, nil
}

func (s *Splitter) merge(ctx context.Context, shardDir string, info *types.ShardInfo, opts MergeOptions) (string, error) {
	var mapping *layerMapping
	if info.StrategyType == types.LoadLayerwise {
		m, err := readLayerMapping(shardDir)
		if err != nil {
			return "", err
		}
		mapping = m
	}
	if opts.Verify {
		if err := s.VerifyShards(ctx, shardDir, info); err != nil {
			return "", err
		}
		if mapping != nil {
			if err := verifyResidual(shardDir, mapping); err != nil {
				return "", err
			}
		}
	}
	order, err := loadingOrder(info.Shards)
	if err != nil {
		return "", err
	}

	out := opts.OutputPath
	if out == "" {
		ext := filepath.Ext(info.ModelPath)
		out = filepath.Join(shardDir, info.ModelName+"_merged"+ext)
	}
	tmp := out + ".partial"
	defer os.Remove(tmp)

	switch info.StrategyType {
	case types.LoadLayerwise:
		err = s.mergeLayerwise(ctx, shardDir, info, mapping, order, tmp)
	default:
		err = s.mergePhysical(ctx, shardDir, info, order, tmp)
	}
	if err != nil {
		return "", err
	}
	st, err := os.Stat(tmp)
	if err != nil {
		return "", err
	}
	if st.Size() != info.ModelSize {
		return "", fmt.Errorf("merged size %d does not match recorded model size %d", st.Size(), info.ModelSize)
	}
	if err := os.Rename(tmp, out); err != nil {
		return "", err
	}
	s.log.Info().Str("model", info.ModelName).Str("output", out).
		Int("shards", len(info.Shards)).Msg("model merged")
	return out, nil
}

func (s *Splitter) mergePhysical(ctx context.Context, shardDir string, info *types.ShardInfo, order []string, tmp string) error {
	byID := shardsByID(info)
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh := byID[id]
		src, err := os.Open(shardPath(shardDir, sh))
		if err != nil {
			return err
		}
		_, err = io.Copy(f, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("append %s: %w", id, err)
		}
	}
	return f.Close()
}

func (s *Splitter) mergeLayerwise(ctx context.Context, shardDir string, info *types.ShardInfo, mapping *layerMapping, order []string, tmp string) error {
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(info.ModelSize); err != nil {
		return err
	}

	res, err := os.Open(filepath.Join(shardDir, mapping.Residual.Path))
	if err != nil {
		return fmt.Errorf("open residual: %w", err)
	}
	for _, rg := range mapping.Residual.Regions {
		sec := io.NewSectionReader(res, rg.OffsetInFile, rg.Size)
		if _, err := copyAt(f, rg.SourceOffset, sec); err != nil {
			res.Close()
			return fmt.Errorf("restore residual region at %d: %w", rg.SourceOffset, err)
		}
	}
	res.Close()

	byShard := make(map[string][]string)
	for name, loc := range mapping.Layers {
		byShard[loc.ShardID] = append(byShard[loc.ShardID], name)
	}
	byID := shardsByID(info)
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		names := byShard[id]
		sort.Strings(names)
		src, err := os.Open(shardPath(shardDir, byID[id]))
		if err != nil {
			return err
		}
		for _, name := range names {
			loc := mapping.Layers[name]
			sec := io.NewSectionReader(src, loc.OffsetInShard, loc.Size)
			if _, err := copyAt(f, loc.SourceOffset, sec); err != nil {
				src.Close()
				return fmt.Errorf("restore layer %q: %w", name, err)
			}
		}
		src.Close()
	}
	return f.Close()
}

// readLayerMapping loads the layer_mapping.json persisted at split time.
func readLayerMapping(dir string) (*layerMapping, error) {
	b, err := os.ReadFile(filepath.Join(dir, layerMappingFile))
	if err != nil {
		return nil, fmt.Errorf("read layer mapping: %w", err)
	}
	var mapping layerMapping
	if err := json.Unmarshal(b, &mapping); err != nil {
		return nil, fmt.Errorf("parse layer mapping: %w", err)
	}
	return &mapping, nil
}

// verifyResidual recomputes the residual file's checksum. The residual is
// not a shard, so VerifyShards does not cover it.
func verifyResidual(shardDir string, mapping *layerMapping) error {
	if mapping.Residual.Path == "" {
		return nil
	}
	sum, err := fileSHA256(filepath.Join(shardDir, mapping.Residual.Path))
	if err != nil {
		return fmt.Errorf("hash residual: %w", err)
	}
	if sum != mapping.Residual.SHA256 {
		return ErrIntegrity(mapping.Residual.Path,
			"residual checksum mismatch: recorded %s, computed %s", mapping.Residual.SHA256, sum)
	}
	return nil
}

// copyAt writes r into f starting at off.
func copyAt(f *os.File, off int64, r io.Reader) (int64, error) {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(f, r)
}

// VerifyShards recomputes every shard's SHA-256 concurrently and compares
// against the recorded checksums. When several shards are corrupt, the
// error names the first one in shard order.
func (s *Splitter) VerifyShards(ctx context.Context, shardDir string, info *types.ShardInfo) error {
	results := make([]error, len(info.Shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range info.Shards {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sh := info.Shards[i]
			sum, err := fileSHA256(shardPath(shardDir, sh))
			if err != nil {
				results[i] = fmt.Errorf("hash %s: %w", sh.ShardID, err)
				return nil
			}
			if sum != sh.SHA256 {
				results[i] = ErrIntegrity(sh.ShardID, "checksum mismatch: recorded %s, computed %s", sh.SHA256, sum)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

func shardsByID(info *types.ShardInfo) map[string]types.ShardMetadata {
	m := make(map[string]types.ShardMetadata, len(info.Shards))
	for _, sh := range info.Shards {
		m[sh.ShardID] = sh
	}
	return m
}

// shardPath resolves a shard's file relative to its directory, so shard
// directories stay relocatable even though absolute paths are recorded.
func shardPath(dir string, sh types.ShardMetadata) string {
	return filepath.Join(dir, filepath.Base(sh.Path))
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
