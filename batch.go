package keepsake

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// deltaSizeEstimate is the per-delta byte estimate used when serialization
// fails during batch planning.
const deltaSizeEstimate = 512

// BatchProcessorConfig bounds outgoing delta batches.
type BatchProcessorConfig struct {
	// MaxItems is the maximum number of deltas per batch.
	MaxItems int `json:"max_items"`

	// MaxBytes limits the cumulative serialized size of a batch.
	MaxBytes int64 `json:"max_bytes"`
}

// DefaultBatchProcessorConfig returns default batch limits.
func DefaultBatchProcessorConfig() BatchProcessorConfig {
	return BatchProcessorConfig{
		MaxItems: 500,
		MaxBytes: 1 * 1024 * 1024,
	}
}

// DeltaBatch is one bounded group of deltas for transmission.
type DeltaBatch struct {
	Deltas    []SyncDelta `json:"deltas"`
	SizeBytes int64       `json:"size_bytes"`
}

// BatchProcessor splits a delta stream into bounded batches. Batch order
// preserves input order so downstream causal ordering is not disturbed.
type BatchProcessor struct {
	config BatchProcessorConfig
}

// NewBatchProcessor creates a batch processor.
func NewBatchProcessor(config BatchProcessorConfig) *BatchProcessor {
	if config.MaxItems <= 0 {
		config.MaxItems = DefaultBatchProcessorConfig().MaxItems
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultBatchProcessorConfig().MaxBytes
	}
	return &BatchProcessor{config: config}
}

// CreateBatches greedily fills batches up to the item-count and byte-size
// limits, starting a new batch whenever either limit would be exceeded. A
// single delta larger than MaxBytes still ships alone in its own batch.
func (bp *BatchProcessor) CreateBatches(deltas []SyncDelta) []DeltaBatch {
	if len(deltas) == 0 {
		return nil
	}

	var batches []DeltaBatch
	current := DeltaBatch{}

	for _, delta := range deltas {
		size := estimateDeltaSize(delta)

		full := len(current.Deltas) >= bp.config.MaxItems ||
			(len(current.Deltas) > 0 && current.SizeBytes+size > bp.config.MaxBytes)
		if full {
			batches = append(batches, current)
			current = DeltaBatch{}
		}

		current.Deltas = append(current.Deltas, delta)
		current.SizeBytes += size
	}

	if len(current.Deltas) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func estimateDeltaSize(delta SyncDelta) int64 {
	data, err := json.Marshal(delta)
	if err != nil {
		return deltaSizeEstimate
	}
	return int64(len(data))
}

// EncodedBatch is a snappy-compressed batch ready for the wire.
type EncodedBatch struct {
	Payload          []byte
	CompressedSize   int64
	UncompressedSize int64
}

// EncodeBatch serializes and snappy-compresses a batch for transmission.
func EncodeBatch(batch DeltaBatch) (*EncodedBatch, error) {
	raw, err := json.Marshal(batch.Deltas)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	compressed := snappy.Encode(nil, raw)
	return &EncodedBatch{
		Payload:          compressed,
		CompressedSize:   int64(len(compressed)),
		UncompressedSize: int64(len(raw)),
	}, nil
}

// DecodeBatch decompresses and deserializes a batch payload.
func DecodeBatch(payload []byte) ([]SyncDelta, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeData, "decompress batch", "", err)
	}
	var deltas []SyncDelta
	if err := json.Unmarshal(raw, &deltas); err != nil {
		return nil, newSyncError(SyncErrorTypeData, "decode batch", "", err)
	}
	return deltas, nil
}
