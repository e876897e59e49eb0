package types

import "time"

// LoadingMode selects how a model is cut into shards.
type LoadingMode string

const (
	// LoadPhysical splits the file into raw sequential byte ranges.
	LoadPhysical LoadingMode = "physical"
	// LoadLayerwise splits the file by semantic layer groups.
	LoadLayerwise LoadingMode = "layerwise"
)

// ShardPlan describes how a model should be split. Plans are value objects:
// regenerated whenever the strategy or model changes, never mutated in place.
type ShardPlan struct {
	// StrategyName is the sharding strategy the plan was derived from.
	StrategyName string `json:"strategy_name"`
	// NumShards is the number of shard files the plan produces.
	NumShards int `json:"num_shards"`
	// ShardSizeBytes is the target size per shard for physical splitting.
	ShardSizeBytes int64 `json:"shard_size_bytes"`
	// LayerGroups lists layer names per shard for layer-wise splitting.
	LayerGroups [][]string `json:"layer_groups,omitempty"`
	// LoadingMode is physical or layerwise.
	LoadingMode LoadingMode `json:"loading_mode"`
	// VerificationLevel controls merge-time integrity checking.
	VerificationLevel string `json:"verification_level"`
}

// ShardMetadata describes one written shard file.
type ShardMetadata struct {
	// ShardID is the stable identifier, e.g. "shard_001".
	ShardID string `json:"shard_id"`
	// Layers lists the tensor names stored in this shard (layer-wise only).
	Layers []string `json:"layers,omitempty"`
	// SHA256 is the hex digest of the shard file contents.
	SHA256 string `json:"sha256"`
	// DependsOn lists shard ids that must be loaded before this one.
	// The dependency graph over shard ids must be acyclic.
	DependsOn []string `json:"depends_on,omitempty"`
	// SizeBytes is the shard file size.
	SizeBytes int64 `json:"size_bytes"`
	// Path is the shard file location on disk.
	Path string `json:"path"`
}

// ShardInfo is the persisted shard_info.json written next to the shards.
type ShardInfo struct {
	ModelName    string          `json:"model_name"`
	ModelPath    string          `json:"model_path"`
	ModelSize    int64           `json:"model_size"`
	StrategyType LoadingMode     `json:"strategy_type"`
	Plan         ShardPlan       `json:"plan"`
	Shards       []ShardMetadata `json:"shards"`
	CreatedAt    time.Time       `json:"created_at"`
	SplitSeconds float64         `json:"split_seconds"`
}

// StrategyHistoryRecord is one entry in the append-only strategy audit log.
type StrategyHistoryRecord struct {
	Timestamp            time.Time `json:"timestamp"`
	PrevStrategy         string    `json:"prev_strategy"`
	NewStrategy          string    `json:"new_strategy"`
	Reason               string    `json:"reason"`
	MemoryAvailableBytes uint64    `json:"memory_available_bytes"`
}
