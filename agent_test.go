package keepsake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeEntityStore is an in-memory entity layer for agent tests.
type fakeEntityStore struct {
	mu      sync.Mutex
	states  map[string]*EntityState
	pending []SyncDelta
	applied []SyncDelta
	failOn  string
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{states: make(map[string]*EntityState)}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (f *fakeEntityStore) EntityTypes() []string {
	return []string{"note", "task"}
}

func (f *fakeEntityStore) ChangedSince(ctx context.Context, entityType, spaceID string, since time.Time) ([]SyncDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SyncDelta
	for _, d := range f.pending {
		if d.EntityType == entityType && d.Timestamp.After(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeEntityStore) LocalState(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*EntityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[entityKey(entityType, entityID)], nil
}

func (f *fakeEntityStore) Apply(ctx context.Context, tx *sql.Tx, delta *SyncDelta, dek []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && delta.EntityID == f.failOn {
		return fmt.Errorf("simulated apply failure for %s", delta.EntityID)
	}
	f.applied = append(f.applied, *delta)
	f.states[entityKey(delta.EntityType, delta.EntityID)] = &EntityState{
		Data:       delta.Data,
		ModifiedAt: delta.Timestamp,
		Deleted:    delta.Operation == DeltaDelete,
	}
	return nil
}

func (f *fakeEntityStore) Fingerprints(ctx context.Context, spaceID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.states))
	for key := range f.states {
		out[key] = "v1"
	}
	return out, nil
}

func newTestAgent(t *testing.T) (*SyncAgent, *fakeEntityStore, *SyncStore) {
	t.Helper()
	store := newTestStore(t)
	entities := newFakeEntityStore()

	cfg := DefaultSyncConfig()
	cfg.DeviceID = "laptop"
	cfg.DeviceName = "laptop"

	agent := NewSyncAgent(cfg.LocalDevice(nil), store, entities, cfg)
	return agent, entities, store
}

func noteDelta(entityID, deviceID string, ts time.Time) SyncDelta {
	return SyncDelta{
		EntityType: "note",
		EntityID:   entityID,
		Operation:  DeltaUpdate,
		Data:       []byte(`{"title":"remote edit"}`),
		Timestamp:  ts,
		SpaceID:    "personal",
		DeviceID:   deviceID,
	}
}

func TestApplyDeltasNewEntity(t *testing.T) {
	agent, entities, _ := newTestAgent(t)
	ctx := context.Background()

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", time.Now())}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if result.Applied != 1 || result.Skipped != 0 || result.Rejected != 0 {
		t.Errorf("Expected 1 applied, got %+v", result)
	}
	if len(entities.applied) != 1 {
		t.Errorf("Expected entity layer to receive the delta, got %d", len(entities.applied))
	}
}

func TestApplyDeltasCheckpointConflict(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 100, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}

	// Local modified after the checkpoint, and the delta is also newer
	// than the checkpoint: both sides changed since they last agreed.
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(50 * time.Nanosecond),
	}
	delta := noteDelta("n1", "phone", checkpoint.Add(100*time.Nanosecond))

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{delta}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if result.Applied != 0 {
		t.Errorf("Conflicting delta must not be applied, got %d applied", result.Applied)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Expected 1 conflict, got %d", len(result.Conflicts))
	}

	conflict := result.Conflicts[0]
	if conflict.ConflictType != ConflictUpdateUpdate {
		t.Errorf("Expected update_update conflict, got %s", conflict.ConflictType)
	}
	if string(conflict.LocalVersion) != `{"title":"local edit"}` {
		t.Errorf("Conflict must snapshot the local version, got %s", conflict.LocalVersion)
	}

	// Local state untouched.
	state := entities.states[entityKey("note", "n1")]
	if string(state.Data) != `{"title":"local edit"}` {
		t.Errorf("Local state must survive a conflict, got %s", state.Data)
	}

	// Conflict persisted for later resolution.
	saved, err := store.ListConflicts(ctx, "personal", true)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("Expected conflict persisted, got %d", len(saved))
	}
}

func TestApplyDeltasStaleSkipped(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}

	// Local changed after the checkpoint but the delta predates it: the
	// delta carries nothing newer and must be dropped without a conflict.
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Hour),
	}
	delta := noteDelta("n1", "phone", checkpoint.Add(-time.Hour))

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{delta}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if result.Skipped != 1 || result.Applied != 0 || len(result.Conflicts) != 0 {
		t.Errorf("Expected stale delta skipped, got %+v", result)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"local edit"}` {
		t.Error("Stale delta must not overwrite newer local state")
	}
}

func TestApplyDeltasRemoteOnlyChange(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}

	// Local unchanged since the checkpoint: the remote edit applies cleanly.
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"old"}`),
		ModifiedAt: checkpoint.Add(-time.Hour),
	}
	delta := noteDelta("n1", "phone", checkpoint.Add(time.Hour))

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{delta}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if result.Applied != 1 || len(result.Conflicts) != 0 {
		t.Errorf("Expected clean apply, got %+v", result)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"remote edit"}` {
		t.Error("Expected remote edit applied")
	}
}

func TestApplyDeltasRejectsMalformed(t *testing.T) {
	agent, _, _ := newTestAgent(t)
	ctx := context.Background()

	deltas := []SyncDelta{
		noteDelta("good", "phone", time.Now()),
		{EntityType: "note", EntityID: "bad", Operation: DeltaUpdate,
			Data: []byte(`{not json`), Timestamp: time.Now(), SpaceID: "personal", DeviceID: "phone"},
		{EntityType: "", EntityID: "missing-type", Operation: DeltaUpdate,
			Data: []byte(`{}`), Timestamp: time.Now(), SpaceID: "personal", DeviceID: "phone"},
	}

	result, err := agent.ApplyDeltas(ctx, deltas, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Expected valid delta applied, got %d", result.Applied)
	}
	if result.Rejected != 2 {
		t.Errorf("Expected 2 rejected deltas, got %d", result.Rejected)
	}
}

func TestApplyDeltasDeleteConflict(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}

	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}
	delta := noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))
	delta.Operation = DeltaDelete
	delta.Data = nil

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{delta}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Expected conflict, got %+v", result)
	}
	if result.Conflicts[0].ConflictType != ConflictUpdateDelete {
		t.Errorf("Expected update_delete, got %s", result.Conflicts[0].ConflictType)
	}
}

func TestApplyDeltasAtomicOnFailure(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()
	entities.failOn = "n2"

	deltas := []SyncDelta{
		noteDelta("n1", "phone", time.Now()),
		noteDelta("n2", "phone", time.Now()),
	}
	if _, err := agent.ApplyDeltas(ctx, deltas, nil); err == nil {
		t.Fatal("Expected error from failing entity layer")
	}

	// The transaction rolled back: no entity log rows survive.
	var count int
	err := store.DB().QueryRow(`SELECT COUNT(*) FROM entity_sync_log`).Scan(&count)
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no entity log rows after rollback, got %d", count)
	}
}

func TestResolveConflictUseRemote(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	conflictID := result.Conflicts[0].ID

	if err := agent.ResolveConflict(ctx, conflictID, ResolutionUseRemote, nil); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"remote edit"}` {
		t.Error("Expected remote version applied after resolution")
	}

	// Second resolution must be refused.
	if err := agent.ResolveConflict(ctx, conflictID, ResolutionUseLocal, nil); !errors.Is(err, ErrConflictResolved) {
		t.Errorf("Expected ErrConflictResolved, got %v", err)
	}
}

func TestResolveConflictMerge(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"content":"notes from laptop"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}

	delta := noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))
	delta.Data = []byte(`{"content":"ideas from phone"}`)
	result, err := agent.ApplyDeltas(ctx, []SyncDelta{delta}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}

	if err := agent.ResolveConflict(ctx, result.Conflicts[0].ID, ResolutionMerge, nil); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(entities.states[entityKey("note", "n1")].Data, &merged); err != nil {
		t.Fatalf("merged state is not valid JSON: %v", err)
	}
	content, _ := merged["content"].(string)
	if content == "notes from laptop" || content == "ideas from phone" {
		t.Errorf("Expected merged content preserving both sides, got %q", content)
	}
}

func TestResolveConflictUseLocal(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}

	result, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}

	if err := agent.ResolveConflict(ctx, result.Conflicts[0].ID, ResolutionUseLocal, nil); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"local edit"}` {
		t.Error("UseLocal must leave the local version in place")
	}

	unresolved, err := agent.Conflicts(ctx, "personal", true)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("Expected no unresolved conflicts, got %d", len(unresolved))
	}
}

func TestAutoResolveConflictsLastWriteWins(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}

	// Remote wrote later: under last_write_wins it must win automatically.
	result, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))}, nil)
	if err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Expected recorded conflict, got %+v", result)
	}

	resolved, err := agent.AutoResolveConflicts(ctx, "personal", nil)
	if err != nil {
		t.Fatalf("AutoResolveConflicts failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("Expected 1 conflict resolved, got %d", resolved)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"remote edit"}` {
		t.Error("Expected newer remote version applied")
	}

	unresolved, err := agent.Conflicts(ctx, "personal", true)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("Expected no unresolved conflicts, got %d", len(unresolved))
	}
}

func TestAutoResolveConflictsLocalNewerKeepsLocal(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(2 * time.Minute),
	}

	if _, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", checkpoint.Add(time.Minute))}, nil); err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}

	resolved, err := agent.AutoResolveConflicts(ctx, "personal", nil)
	if err != nil {
		t.Fatalf("AutoResolveConflicts failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("Expected 1 conflict resolved, got %d", resolved)
	}
	if string(entities.states[entityKey("note", "n1")].Data) != `{"title":"local edit"}` {
		t.Error("Expected newer local version kept")
	}
}

func TestAutoResolveConflictsManualStrategyLeavesThem(t *testing.T) {
	store := newTestStore(t)
	entities := newFakeEntityStore()
	cfg := DefaultSyncConfig()
	cfg.DeviceID = "laptop"
	cfg.ConflictStrategy = StrategyManual
	agent := NewSyncAgent(cfg.LocalDevice(nil), store, entities, cfg)
	ctx := context.Background()

	checkpoint := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", checkpoint, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{
		Data:       []byte(`{"title":"local edit"}`),
		ModifiedAt: checkpoint.Add(time.Minute),
	}
	if _, err := agent.ApplyDeltas(ctx, []SyncDelta{noteDelta("n1", "phone", checkpoint.Add(2*time.Minute))}, nil); err != nil {
		t.Fatalf("ApplyDeltas failed: %v", err)
	}

	resolved, err := agent.AutoResolveConflicts(ctx, "personal", nil)
	if err != nil {
		t.Fatalf("AutoResolveConflicts failed: %v", err)
	}
	if resolved != 0 {
		t.Errorf("Manual strategy must not auto-resolve, resolved %d", resolved)
	}
	unresolved, err := agent.Conflicts(ctx, "personal", true)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(unresolved) != 1 {
		t.Errorf("Expected conflict left for the user, got %d", len(unresolved))
	}
}

func TestDeltasSinceSortedAndStamped(t *testing.T) {
	agent, entities, _ := newTestAgent(t)
	ctx := context.Background()
	base := time.Now()

	entities.pending = []SyncDelta{
		{EntityType: "task", EntityID: "t1", Operation: DeltaUpdate,
			Data: []byte(`{"title":"b"}`), Timestamp: base.Add(2 * time.Minute)},
		{EntityType: "note", EntityID: "n1", Operation: DeltaUpdate,
			Data: []byte(`{"title":"a"}`), Timestamp: base.Add(time.Minute)},
	}

	deltas, err := agent.DeltasSince(ctx, "personal", base)
	if err != nil {
		t.Fatalf("DeltasSince failed: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %d", len(deltas))
	}
	if deltas[0].EntityID != "n1" {
		t.Errorf("Expected timestamp-ascending order, first = %s", deltas[0].EntityID)
	}
	for _, d := range deltas {
		if d.DeviceID != "laptop" || d.SpaceID != "personal" {
			t.Errorf("Expected deltas stamped with device and space, got %+v", d)
		}
		if d.VectorClock["laptop"] == 0 {
			t.Error("Expected deltas to carry the incremented vector clock")
		}
	}
}

func TestCreateManifest(t *testing.T) {
	agent, entities, store := newTestAgent(t)
	ctx := context.Background()

	syncTime := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := store.RecordHistory(ctx, historyEntry("h1", "phone", "personal", syncTime, true)); err != nil {
		t.Fatalf("RecordHistory failed: %v", err)
	}
	entities.states[entityKey("note", "n1")] = &EntityState{Data: []byte(`{}`)}

	manifest, err := agent.CreateManifest(ctx, "personal")
	if err != nil {
		t.Fatalf("CreateManifest failed: %v", err)
	}
	if manifest.DeviceID != "laptop" || manifest.SpaceID != "personal" {
		t.Errorf("Manifest identity wrong: %+v", manifest)
	}
	if !manifest.LastSyncAt.Equal(syncTime) {
		t.Errorf("Expected last sync %v, got %v", syncTime, manifest.LastSyncAt)
	}
	if manifest.VectorClock["phone"] != 1 {
		t.Errorf("Expected history-derived counter for phone, got %d", manifest.VectorClock["phone"])
	}
	if _, ok := manifest.EntityHashes["note/n1"]; !ok {
		t.Error("Expected entity fingerprint in manifest")
	}
}
