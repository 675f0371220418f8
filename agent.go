package keepsake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntityState is the local side of an entity as seen during conflict
// detection: its current payload, last modification time, and whether it
// has been deleted.
type EntityState struct {
	Data       []byte
	ModifiedAt time.Time
	Deleted    bool
}

// EntityStore is the narrow interface the sync core uses to reach the
// per-entity persistence layer (notes, tasks, projects, habits, ...).
// Implementations share the application's database; Apply and LocalState
// run inside the agent's transaction so a delta batch commits
// all-or-nothing. The dek is the opaque data-encryption key passed through
// to the persistence layer.
type EntityStore interface {
	// EntityTypes lists the entity types this store synchronizes.
	EntityTypes() []string

	// ChangedSince returns deltas for entities of one type modified after
	// the given time within a space.
	ChangedSince(ctx context.Context, entityType, spaceID string, since time.Time) ([]SyncDelta, error)

	// LocalState returns the current local state of an entity, or nil if
	// the entity has never existed locally.
	LocalState(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*EntityState, error)

	// Apply upserts or deletes the entity described by the delta.
	Apply(ctx context.Context, tx *sql.Tx, delta *SyncDelta, dek []byte) error

	// Fingerprints returns a version fingerprint per entity key
	// ("type/id") for manifest construction.
	Fingerprints(ctx context.Context, spaceID string) (map[string]string, error)
}

// ApplyResult summarizes one call to ApplyDeltas.
type ApplyResult struct {
	Applied   int            `json:"applied"`
	Skipped   int            `json:"skipped"`
	Rejected  int            `json:"rejected"`
	Conflicts []SyncConflict `json:"conflicts,omitempty"`
}

// SyncAgent orchestrates synchronization passes for one device: it builds
// manifests, generates outgoing deltas, applies incoming deltas
// transactionally, records conflicts, and keeps the audit history.
type SyncAgent struct {
	device   DeviceInfo
	store    *SyncStore
	entities EntityStore
	resolver *ConflictResolver
	clock    *VectorClock
	config   SyncConfig

	mu sync.Mutex
}

// NewSyncAgent creates a sync agent for the local device. One agent is
// constructed per application lifetime and injected where needed.
func NewSyncAgent(device DeviceInfo, store *SyncStore, entities EntityStore, config SyncConfig) *SyncAgent {
	resolver := NewConflictResolver(config.ConflictStrategy)
	if len(config.DevicePriority) > 0 {
		resolver.SetDevicePriority(config.DevicePriority)
	}
	return &SyncAgent{
		device:   device,
		store:    store,
		entities: entities,
		resolver: resolver,
		clock:    NewVectorClock(device.DeviceID),
		config:   config,
	}
}

// Device returns the local device descriptor.
func (a *SyncAgent) Device() DeviceInfo {
	return a.device
}

// Resolver returns the configured conflict resolver.
func (a *SyncAgent) Resolver() *ConflictResolver {
	return a.resolver
}

// CreateManifest builds a fresh manifest for a space from the audit
// history and live entity fingerprints. Manifests are derived state and
// never persisted.
func (a *SyncAgent) CreateManifest(ctx context.Context, spaceID string) (*SyncManifest, error) {
	lastSync, err := a.store.LastSyncAt(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}

	deviceClock, err := a.store.DeviceClock(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	a.clock.Merge(ClockFromCounters(a.device.DeviceID, deviceClock))

	hashes, err := a.entities.Fingerprints(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}

	return &SyncManifest{
		DeviceID:     a.device.DeviceID,
		SpaceID:      spaceID,
		LastSyncAt:   lastSync,
		VectorClock:  a.clock.Counters(),
		EntityHashes: hashes,
	}, nil
}

// DeltasSince collects deltas for every supported entity type modified
// after the given time, sorted by timestamp ascending so causal order
// within this device's change stream is preserved.
func (a *SyncAgent) DeltasSince(ctx context.Context, spaceID string, since time.Time) ([]SyncDelta, error) {
	a.mu.Lock()
	a.clock.Increment()
	counters := a.clock.Counters()
	a.mu.Unlock()

	var all []SyncDelta
	for _, entityType := range a.entities.EntityTypes() {
		deltas, err := a.entities.ChangedSince(ctx, entityType, spaceID, since)
		if err != nil {
			return nil, fmt.Errorf("deltas for %s: %w", entityType, err)
		}
		for i := range deltas {
			deltas[i].SpaceID = spaceID
			deltas[i].DeviceID = a.device.DeviceID
			if deltas[i].VectorClock == nil {
				deltas[i].VectorClock = counters
			}
		}
		all = append(all, deltas...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// ApplyDeltas applies a batch of incoming deltas inside one transaction.
// Conflicting deltas are recorded as SyncConflict rows and skipped (they
// wait for resolution, neither lost nor applied); malformed deltas are
// rejected individually without aborting the batch. The whole batch
// commits together or not at all.
func (a *SyncAgent) ApplyDeltas(ctx context.Context, deltas []SyncDelta, dek []byte) (*ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply deltas: %w", err)
	}
	defer tx.Rollback()

	result := &ApplyResult{}
	checkpoints := make(map[string]time.Time)

	for i := range deltas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		delta := &deltas[i]

		if err := validateDelta(delta); err != nil {
			result.Rejected++
			continue
		}

		cpKey := delta.DeviceID + "\x00" + delta.SpaceID
		checkpoint, ok := checkpoints[cpKey]
		if !ok {
			checkpoint, err = a.store.Checkpoint(ctx, delta.DeviceID, delta.SpaceID)
			if err != nil {
				return nil, fmt.Errorf("apply deltas: %w", err)
			}
			checkpoints[cpKey] = checkpoint
		}

		local, err := a.entities.LocalState(ctx, tx, delta.EntityType, delta.EntityID)
		if err != nil {
			return nil, fmt.Errorf("local state %s/%s: %w", delta.EntityType, delta.EntityID, err)
		}

		switch classifyIncoming(local, delta, checkpoint) {
		case incomingConflict:
			conflict := SyncConflict{
				ID:            uuid.NewString(),
				EntityType:    delta.EntityType,
				EntityID:      delta.EntityID,
				LocalVersion:  local.Data,
				RemoteVersion: delta.Data,
				LocalModified: local.ModifiedAt,
				RemoteWritten: delta.Timestamp,
				ConflictType:  ClassifyConflict(local.Deleted, delta.Operation),
				SpaceID:       delta.SpaceID,
				DeviceID:      delta.DeviceID,
				DetectedAt:    time.Now(),
			}
			if err := a.store.SaveConflictTx(ctx, tx, conflict); err != nil {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, conflict)

		case incomingStale:
			// The delta predates the checkpoint while local moved on; it
			// carries nothing newer and is dropped without a conflict.
			result.Skipped++

		case incomingApply:
			if err := a.entities.Apply(ctx, tx, delta, dek); err != nil {
				return nil, fmt.Errorf("apply %s/%s: %w", delta.EntityType, delta.EntityID, err)
			}
			if err := a.store.LogEntitySyncTx(ctx, tx, *delta); err != nil {
				return nil, err
			}
			if delta.VectorClock != nil {
				a.clock.Merge(ClockFromCounters(a.device.DeviceID, delta.VectorClock))
			}
			result.Applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delta batch: %w", err)
	}
	return result, nil
}

type incomingClass int

const (
	incomingApply incomingClass = iota
	incomingConflict
	incomingStale
)

// classifyIncoming implements the checkpoint conflict rule: a true
// conflict exists iff both the local modification time and the delta
// timestamp are strictly newer than the checkpoint, meaning both sides
// changed the entity since they last agreed on a state. The checkpoint is
// always the history sync_time, never a raw entity timestamp.
func classifyIncoming(local *EntityState, delta *SyncDelta, checkpoint time.Time) incomingClass {
	if local == nil {
		return incomingApply
	}

	localChanged := local.ModifiedAt.After(checkpoint)
	remoteChanged := delta.Timestamp.After(checkpoint)

	switch {
	case localChanged && remoteChanged:
		return incomingConflict
	case localChanged && !remoteChanged:
		return incomingStale
	default:
		return incomingApply
	}
}

func validateDelta(d *SyncDelta) error {
	if d.EntityType == "" || d.EntityID == "" || d.SpaceID == "" {
		return ErrInvalidData
	}
	switch d.Operation {
	case DeltaCreate, DeltaUpdate:
		if len(d.Data) == 0 || !json.Valid(d.Data) {
			return newSyncError(SyncErrorTypeData, "malformed delta payload", d.DeviceID, ErrInvalidData)
		}
	case DeltaDelete:
	default:
		return newSyncError(SyncErrorTypeData, fmt.Sprintf("unknown operation %q", d.Operation), d.DeviceID, ErrInvalidData)
	}
	return nil
}

// ResolveConflict applies the caller's resolution choice to a recorded
// conflict. UseLocal discards the remote version; UseRemote re-applies the
// remote payload as a fresh update; Merge runs the entity-type smart merge
// (unknown types fall back to the remote version). Resolved conflicts are
// never resolved twice.
func (a *SyncAgent) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution, dek []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conflict, err := a.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved {
		return ErrConflictResolved
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	defer tx.Rollback()

	switch resolution {
	case ResolutionUseLocal:
		// Local version stands; nothing to apply.

	case ResolutionUseRemote:
		delta := conflict.remoteDelta()
		if err := a.entities.Apply(ctx, tx, delta, dek); err != nil {
			return fmt.Errorf("apply remote version: %w", err)
		}
		if err := a.store.LogEntitySyncTx(ctx, tx, *delta); err != nil {
			return err
		}

	case ResolutionMerge:
		merged, err := SmartMergeEntity(conflict.EntityType, conflict.LocalVersion, conflict.RemoteVersion)
		if err != nil {
			return fmt.Errorf("smart merge: %w", err)
		}
		delta := conflict.remoteDelta()
		delta.Operation = DeltaUpdate
		delta.Data = merged
		if err := a.entities.Apply(ctx, tx, delta, dek); err != nil {
			return fmt.Errorf("apply merged version: %w", err)
		}
		if err := a.store.LogEntitySyncTx(ctx, tx, *delta); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := a.store.MarkConflictResolvedTx(ctx, tx, conflictID, resolution); err != nil {
		return err
	}
	return tx.Commit()
}

// remoteDelta reconstructs an applicable delta from the conflict's remote
// snapshot.
func (c *SyncConflict) remoteDelta() *SyncDelta {
	op := DeltaUpdate
	if c.ConflictType == ConflictUpdateDelete {
		op = DeltaDelete
	}
	return &SyncDelta{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Operation:  op,
		Data:       c.RemoteVersion,
		Timestamp:  time.Now(),
		SpaceID:    c.SpaceID,
		DeviceID:   c.DeviceID,
	}
}

// AutoResolveConflicts runs the configured strategy over every
// unresolved conflict in a space. Conflicts the strategy cannot decide
// (manual strategy, merge failures) stay recorded for the user. Returns
// how many conflicts were resolved.
func (a *SyncAgent) AutoResolveConflicts(ctx context.Context, spaceID string, dek []byte) (int, error) {
	conflicts, err := a.store.ListConflicts(ctx, spaceID, true)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range conflicts {
		c := &conflicts[i]

		// Vector clocks are deliberately omitted: the two versions were
		// already classified as concurrent when the conflict was recorded,
		// so only the strategy decision remains.
		local := &VersionedEntity{
			ID:        c.EntityID,
			Data:      c.LocalVersion,
			Timestamp: c.LocalModified,
			DeviceID:  a.device.DeviceID,
		}
		remote := &VersionedEntity{
			ID:        c.EntityID,
			Data:      c.RemoteVersion,
			Timestamp: c.RemoteWritten,
			DeviceID:  c.DeviceID,
		}

		outcome, err := a.resolver.Resolve(local, remote)
		if err != nil || outcome.Kind != OutcomeResolved {
			continue
		}

		resolution := ResolutionUseLocal
		switch {
		case outcome.Strategy == StrategyMerge:
			resolution = ResolutionMerge
		case outcome.Winner.DeviceID != a.device.DeviceID:
			resolution = ResolutionUseRemote
		}
		if err := a.ResolveConflict(ctx, c.ID, resolution, dek); err != nil {
			return resolved, fmt.Errorf("auto-resolve %s: %w", c.ID, err)
		}
		resolved++
	}
	return resolved, nil
}

// RecordSyncHistory appends an audit row for a completed pass. A missing
// id or sync time is filled in.
func (a *SyncAgent) RecordSyncHistory(ctx context.Context, entry SyncHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.SyncTime.IsZero() {
		entry.SyncTime = time.Now()
	}
	return a.store.RecordHistory(ctx, entry)
}

// History returns recent sync history for a space, newest first.
func (a *SyncAgent) History(ctx context.Context, spaceID string, limit int) ([]SyncHistoryEntry, error) {
	return a.store.History(ctx, spaceID, limit)
}

// Stats aggregates the audit history for a space.
func (a *SyncAgent) Stats(ctx context.Context, spaceID string) (*SyncStats, error) {
	return a.store.Stats(ctx, spaceID)
}

// Conflicts lists conflicts for a space.
func (a *SyncAgent) Conflicts(ctx context.Context, spaceID string, unresolvedOnly bool) ([]SyncConflict, error) {
	return a.store.ListConflicts(ctx, spaceID, unresolvedOnly)
}
