package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardd/pkg/types"
)

func TestSplitPhysicalProducesSequentialShards(t *testing.T) {
	dir := t.TempDir()
	model := writeRawModel(t, dir, "tiny.bin", 10_000)
	s := testSplitter(t, dir)

	info, err := s.Split(model, types.ShardPlan{
		LoadingMode:    types.LoadPhysical,
		ShardSizeBytes: 3000,
	})
	require.NoError(t, err)
	require.Len(t, info.Shards, 4)

	assert.Equal(t, "shard_001", info.Shards[0].ShardID)
	assert.Empty(t, info.Shards[0].DependsOn)
	for i := 1; i < 4; i++ {
		assert.Equal(t, []string{info.Shards[i-1].ShardID}, info.Shards[i].DependsOn)
	}
	assert.Equal(t, int64(3000), info.Shards[0].SizeBytes)
	assert.Equal(t, int64(1000), info.Shards[3].SizeBytes)
	assert.Equal(t, types.LoadPhysical, info.StrategyType)
	assert.Equal(t, StateSplit, s.ModelState("tiny"))

	shardDir := s.ShardDir(model)
	for _, name := range []string{shardInfoFile, checksumsFile} {
		_, err := os.Stat(filepath.Join(shardDir, name))
		assert.NoError(t, err, name)
	}
}

func TestPhysicalRoundTripIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	model := writeRawModel(t, dir, "tiny.bin", 10_000)
	s := testSplitter(t, dir)

	_, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadPhysical, ShardSizeBytes: 3000})
	require.NoError(t, err)

	out, err := s.Merge(context.Background(), s.ShardDir(model), MergeOptions{Verify: true})
	require.NoError(t, err)
	assert.Equal(t, readFile(t, model), readFile(t, out))
	assert.Equal(t, StateMerged, s.ModelState("tiny"))
}

func TestLayerwiseRoundTripIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	model := writeTransformerModel(t, dir, "tiny.safetensors", 4, 1024)
	s := testSplitter(t, dir)

	info, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadLayerwise, NumShards: 3})
	require.NoError(t, err)
	require.Equal(t, types.LoadLayerwise, info.StrategyType)
	for _, sh := range info.Shards {
		assert.NotEmpty(t, sh.Layers, sh.ShardID)
	}
	_, err = os.Stat(filepath.Join(s.ShardDir(model), layerMappingFile))
	require.NoError(t, err)

	out, err := s.Merge(context.Background(), s.ShardDir(model), MergeOptions{Verify: true})
	require.NoError(t, err)
	assert.Equal(t, readFile(t, model), readFile(t, out))
}

func TestLayerwiseFallsBackToPhysical(t *testing.T) {
	dir := t.TempDir()
	// A .bin model with no tensor index cannot be analyzed layer-wise.
	model := writeRawModel(t, dir, "opaque.bin", 5000)
	s := testSplitter(t, dir)

	info, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadLayerwise, ShardSizeBytes: 2000})
	require.NoError(t, err)
	assert.Equal(t, types.LoadPhysical, info.StrategyType)
	assert.Len(t, info.Shards, 3)
}

func TestMergeVerifyNamesCorruptShard(t *testing.T) {
	dir := t.TempDir()
	model := writeRawModel(t, dir, "tiny.bin", 10_000)
	s := testSplitter(t, dir)

	info, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadPhysical, ShardSizeBytes: 3000})
	require.NoError(t, err)

	target := shardPath(s.ShardDir(model), info.Shards[1])
	b := readFile(t, target)
	b[42] ^= 0xff
	require.NoError(t, os.WriteFile(target, b, 0o644))

	_, err = s.Merge(context.Background(), s.ShardDir(model), MergeOptions{Verify: true})
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	assert.Equal(t, "shard_002", IntegrityShard(err))

	// Nothing partial should remain.
	matches, _ := filepath.Glob(filepath.Join(s.ShardDir(model), "*.partial"))
	assert.Empty(t, matches)
}

func TestMergeVerifyNamesCorruptResidual(t *testing.T) {
	dir := t.TempDir()
	model := writeTransformerModel(t, dir, "tiny.safetensors", 4, 1024)
	s := testSplitter(t, dir)

	info, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadLayerwise, NumShards: 3})
	require.NoError(t, err)
	require.Equal(t, types.LoadLayerwise, info.StrategyType)

	target := filepath.Join(s.ShardDir(model), residualFile)
	b := readFile(t, target)
	b[0] ^= 0xff
	require.NoError(t, os.WriteFile(target, b, 0o644))

	_, err = s.Merge(context.Background(), s.ShardDir(model), MergeOptions{Verify: true})
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	assert.Equal(t, residualFile, IntegrityShard(err))

	matches, _ := filepath.Glob(filepath.Join(s.ShardDir(model), "*.partial"))
	assert.Empty(t, matches)
}

func TestSetShardSizeDuringSplit(t *testing.T) {
	dir := t.TempDir()
	s := testSplitter(t, dir)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 200; i++ {
			s.SetShardSize(i * 1000)
		}
	}()
	for i := 0; i < 20; i++ {
		model := writeRawModel(t, dir, fmt.Sprintf("m%02d.bin", i), 5000)
		_, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadPhysical})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(200*1000), s.ShardSize())
}

func TestSplitRejectsConcurrentOperation(t *testing.T) {
	dir := t.TempDir()
	model := writeRawModel(t, dir, "tiny.bin", 1000)
	s := testSplitter(t, dir)

	require.NoError(t, s.tracker.begin("tiny", StateSplitting))
	_, err := s.Split(model, types.ShardPlan{LoadingMode: types.LoadPhysical})
	require.Error(t, err)
	assert.True(t, IsBusy(err))
}

func TestLoadingOrderFollowsDependencies(t *testing.T) {
	info := &types.ShardInfo{Shards: []types.ShardMetadata{
		{ShardID: "shard_003", DependsOn: []string{"shard_002"}},
		{ShardID: "shard_001"},
		{ShardID: "shard_002", DependsOn: []string{"shard_001"}},
	}}
	order, err := LoadingOrder(info)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard_001", "shard_002", "shard_003"}, order)
}

func TestLoadingOrderRejectsCycle(t *testing.T) {
	info := &types.ShardInfo{Shards: []types.ShardMetadata{
		{ShardID: "shard_001", DependsOn: []string{"shard_002"}},
		{ShardID: "shard_002", DependsOn: []string{"shard_001"}},
	}}
	_, err := LoadingOrder(info)
	require.Error(t, err)
}

func TestLoadingOrderRejectsMissingDependency(t *testing.T) {
	info := &types.ShardInfo{Shards: []types.ShardMetadata{
		{ShardID: "shard_001", DependsOn: []string{"shard_009"}},
	}}
	_, err := LoadingOrder(info)
	require.Error(t, err)
}
