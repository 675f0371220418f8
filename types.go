package keepsake

import "time"

// ProtocolVersion is the sync wire protocol version. Sessions between
// devices with different major versions are rejected.
const ProtocolVersion = 1

// DeviceType identifies the kind of device.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeTablet  DeviceType = "tablet"
)

// DeviceInfo describes a known or discovered device. Records are created on
// discovery or manual registration, refreshed on every successful contact,
// and removed only by explicit unpairing.
type DeviceInfo struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
	Address    string     `json:"address"`
	Port       int        `json:"port"`
	PublicKey  []byte     `json:"public_key"`
	OSVersion  string     `json:"os_version"`
	LastSeen   time.Time  `json:"last_seen"`
	IsActive   bool       `json:"is_active"`
}

// DeltaOperation is the kind of change carried by a delta.
type DeltaOperation string

const (
	DeltaCreate DeltaOperation = "create"
	DeltaUpdate DeltaOperation = "update"
	DeltaDelete DeltaOperation = "delete"
)

// SyncDelta is a single entity-level change. Deltas are ephemeral: produced
// by delta generation, consumed by delta application, never persisted on
// their own. Data is an opaque payload (plaintext JSON or caller-supplied
// ciphertext).
type SyncDelta struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Operation   DeltaOperation    `json:"operation"`
	Data        []byte            `json:"data,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	SpaceID     string            `json:"space_id"`
	DeviceID    string            `json:"device_id"`
}

// ConflictType classifies how two concurrent edits collided.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update_update"
	ConflictUpdateDelete ConflictType = "update_delete"
	ConflictDeleteUpdate ConflictType = "delete_update"
)

// ConflictResolution is the caller's choice when resolving a conflict.
type ConflictResolution string

const (
	ResolutionUseLocal  ConflictResolution = "use_local"
	ResolutionUseRemote ConflictResolution = "use_remote"
	ResolutionMerge     ConflictResolution = "merge"
)

// SyncConflict records two concurrent edits to the same entity. It is
// created during delta application and mutated only by resolution; a
// resolved conflict is never overwritten (audit trail).
type SyncConflict struct {
	ID            string             `json:"id"`
	EntityType    string             `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	LocalVersion  []byte             `json:"local_version,omitempty"`
	RemoteVersion []byte             `json:"remote_version,omitempty"`
	LocalModified time.Time          `json:"local_modified"`
	RemoteWritten time.Time          `json:"remote_written"`
	ConflictType  ConflictType       `json:"conflict_type"`
	SpaceID       string             `json:"space_id"`
	DeviceID      string             `json:"device_id"`
	DetectedAt    time.Time          `json:"detected_at"`
	Resolved      bool               `json:"resolved"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
	Resolution    ConflictResolution `json:"resolution,omitempty"`
}

// SyncManifest summarizes one device's state for one space. Built fresh per
// sync attempt from history and live entity state, never persisted.
type SyncManifest struct {
	DeviceID     string            `json:"device_id"`
	SpaceID      string            `json:"space_id"`
	LastSyncAt   time.Time         `json:"last_sync_at"`
	VectorClock  map[string]uint64 `json:"vector_clock"`
	EntityHashes map[string]string `json:"entity_hashes"`
}

// SyncDirection describes which way entities moved during a pass.
type SyncDirection string

const (
	DirectionPush          SyncDirection = "push"
	DirectionPull          SyncDirection = "pull"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// SyncHistoryEntry is one row of the append-only sync audit log. The most
// recent successful entry per (device, space) is the checkpoint used for
// conflict detection.
type SyncHistoryEntry struct {
	ID                string        `json:"id"`
	DeviceID          string        `json:"device_id"`
	SpaceID           string        `json:"space_id"`
	SyncTime          time.Time     `json:"sync_time"`
	Direction         SyncDirection `json:"direction"`
	EntitiesPushed    int           `json:"entities_pushed"`
	EntitiesPulled    int           `json:"entities_pulled"`
	ConflictsDetected int           `json:"conflicts_detected"`
	Success           bool          `json:"success"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// VersionedEntity is the generic form consumed by ConflictResolver.
type VersionedEntity struct {
	ID          string            `json:"id"`
	Data        []byte            `json:"data,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	DeviceID    string            `json:"device_id"`
}

// --- Wire messages ---

// DiscoveryAnnouncement is the multicast service record a device advertises.
type DiscoveryAnnouncement struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
	SyncPort   int        `json:"sync_port"`
	PublicKey  []byte     `json:"public_key"`
	OSVersion  string     `json:"os_version"`
}

// PairingRequest initiates pairing from the requesting device. PublicKey is
// the requester's ephemeral X25519 public key; the derived shared secret is
// never placed on the wire.
type PairingRequest struct {
	Device      DeviceInfo `json:"device"`
	PairingCode string     `json:"pairing_code"`
	PublicKey   []byte     `json:"public_key"`
	Timestamp   time.Time  `json:"timestamp"`
}

// PairingResponse answers a pairing request. It carries the responder's
// public key only; there is deliberately no secret-key field.
type PairingResponse struct {
	Device       DeviceInfo `json:"device"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PublicKey    []byte     `json:"public_key,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// SyncRequest opens a sync session with a peer.
type SyncRequest struct {
	ProtocolVersion   int        `json:"protocol_version"`
	SourceDevice      DeviceInfo `json:"source_device"`
	TargetDeviceID    string     `json:"target_device_id,omitempty"`
	SessionID         string     `json:"session_id"`
	SpaceID           string     `json:"space_id"`
	Timestamp         time.Time  `json:"timestamp"`
	SyncCategories    []string   `json:"sync_categories"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp,omitempty"`
}

// SyncStatus is the state of a sync session reported on the wire.
type SyncStatus string

const (
	SyncStatusStarted        SyncStatus = "started"
	SyncStatusInProgress     SyncStatus = "in_progress"
	SyncStatusSuccess        SyncStatus = "success"
	SyncStatusPartialSuccess SyncStatus = "partial_success"
	SyncStatusFailed         SyncStatus = "failed"
)

// SyncResponse carries one batch of deltas plus session bookkeeping.
type SyncResponse struct {
	ProtocolVersion  int         `json:"protocol_version"`
	SourceDevice     DeviceInfo  `json:"source_device"`
	SessionID        string      `json:"session_id"`
	Status           SyncStatus  `json:"status"`
	Deltas           []SyncDelta `json:"deltas,omitempty"`
	TotalDeltas      int         `json:"total_deltas"`
	BatchNumber      int         `json:"batch_number"`
	TotalBatches     int         `json:"total_batches"`
	Timestamp        time.Time   `json:"timestamp"`
	CompressedSize   int64       `json:"compressed_size"`
	UncompressedSize int64       `json:"uncompressed_size"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}

// SyncStats summarizes the audit history for a device pair or space.
type SyncStats struct {
	LastSuccessfulSync  time.Time `json:"last_successful_sync"`
	TotalSyncs          int64     `json:"total_syncs"`
	SuccessfulSyncs     int64     `json:"successful_syncs"`
	TotalEntitiesSynced int64     `json:"total_entities_synced"`
	TotalConflicts      int64     `json:"total_conflicts"`
	SuccessRate         float64   `json:"success_rate"`
}
