// Package keepsake implements the multi-device synchronization core of the
// Keepsake local-first personal data application.
//
// Each device holds an independently editable encrypted database. Devices on
// the same local network discover each other, pair once via a short numeric
// code and an X25519 key agreement, and then exchange entity-level deltas
// until both sides converge. There is no central server.
//
// # Basic Usage
//
// Open the audit store and construct an agent:
//
//	store, err := keepsake.OpenSyncStore(keepsake.DefaultSyncStoreConfig("sync.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	agent := keepsake.NewSyncAgent(local, store, entities, keepsake.DefaultSyncConfig())
//
// Build a manifest and apply a peer's deltas:
//
//	manifest, err := agent.CreateManifest(ctx, "personal")
//	result, err := agent.ApplyDeltas(ctx, deltas, dek)
//
// # Components
//
// Causality & conflicts:
//   - VectorClock: per-device counters expressing happens-before order
//   - ConflictResolver: pure decision function over concurrent versions
//   - Structural merge with slice set-union, plus per-entity smart merges
//
// Protocol:
//   - SyncAgent: manifest build, delta generation, transactional apply,
//     conflict records, append-only sync history
//   - BatchProcessor: count- and byte-bounded batches, order preserving
//   - SyncServer / SyncClient: websocket sessions carrying
//     snappy-compressed batch frames
//   - Bridge: application-facing facade wiring the components together
//
// Pairing:
//   - Discovery: UDP multicast advertise/browse with a bounded budget
//   - PairingManager: constant-time code check, X25519 + HKDF shared secret
//   - SyncSession: state machine gating one active sync per peer device
//
// Entity persistence (notes, tasks, projects, ...) and payload encryption
// are external: the agent reaches them through the narrow EntityStore
// interface and treats the data-encryption key as an opaque input.
package keepsake
