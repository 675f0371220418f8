package keepsake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SyncStoreConfig configures the sync audit store.
type SyncStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, ...).
	JournalMode string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	MaxConnections int
}

// DefaultSyncStoreConfig returns default configuration for the given path.
func DefaultSyncStoreConfig(path string) SyncStoreConfig {
	return SyncStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SyncStore persists the sync audit tables: the device registry, the
// append-only sync history, recorded conflicts, and the per-entity sync
// log. Delta application runs inside a single store transaction so a batch
// commits all-or-nothing.
type SyncStore struct {
	db     *sql.DB
	config SyncStoreConfig
	mu     sync.RWMutex
	closed bool

	insertHistory  *sql.Stmt
	insertConflict *sql.Stmt
	upsertDevice   *sql.Stmt
	selectDevice   *sql.Stmt
}

// OpenSyncStore opens (and if needed creates) the sync audit database.
func OpenSyncStore(config SyncStoreConfig) (*SyncStore, error) {
	if config.Path == "" {
		return nil, errors.New("sync store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	// The pure Go driver applies pragmas through _pragma DSN parameters,
	// once per pooled connection. busy_timeout must reach every
	// connection or concurrent readers fail with SQLITE_BUSY during an
	// apply transaction.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SyncStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync store schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sync store statements: %w", err)
	}

	return store, nil
}

func (s *SyncStore) initSchema() error {
	schema := `
		-- Device registry: one row per known device, refreshed on contact,
		-- removed only by explicit unpairing.
		CREATE TABLE IF NOT EXISTS devices (
			device_id        TEXT PRIMARY KEY,
			device_name      TEXT NOT NULL,
			device_type      TEXT NOT NULL,
			address          TEXT,
			port             INTEGER,
			public_key       BLOB,
			os_version       TEXT,
			last_seen        INTEGER NOT NULL,
			protocol_version INTEGER NOT NULL DEFAULT 1,
			trusted          INTEGER NOT NULL DEFAULT 0,
			is_active        INTEGER NOT NULL DEFAULT 1
		);

		-- Append-only sync audit log. The newest successful row per
		-- (device, space) is the conflict-detection checkpoint.
		CREATE TABLE IF NOT EXISTS sync_history (
			id                 TEXT PRIMARY KEY,
			device_id          TEXT NOT NULL,
			space_id           TEXT NOT NULL,
			sync_time          INTEGER NOT NULL,
			direction          TEXT NOT NULL,
			entities_pushed    INTEGER NOT NULL DEFAULT 0,
			entities_pulled    INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			success            INTEGER NOT NULL,
			error_message      TEXT
		);

		-- Recorded conflicts; resolved rows are never overwritten.
		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id             TEXT PRIMARY KEY,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			local_version  BLOB,
			remote_version BLOB,
			local_modified INTEGER NOT NULL DEFAULT 0,
			remote_written INTEGER NOT NULL DEFAULT 0,
			conflict_type  TEXT NOT NULL,
			detected_at    INTEGER NOT NULL,
			resolved       INTEGER NOT NULL DEFAULT 0,
			resolved_at    INTEGER,
			resolution     TEXT,
			device_id      TEXT NOT NULL,
			space_id       TEXT NOT NULL
		);

		-- Per-entity sync log, one row per applied delta.
		CREATE TABLE IF NOT EXISTS entity_sync_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			synced_at   INTEGER NOT NULL,
			device_id   TEXT NOT NULL,
			operation   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_device_space
			ON sync_history(device_id, space_id, sync_time);
		CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved
			ON sync_conflicts(resolved, space_id);
		CREATE INDEX IF NOT EXISTS idx_entity_log_entity
			ON entity_sync_log(entity_type, entity_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SyncStore) prepareStatements() error {
	var err error

	s.insertHistory, err = s.db.Prepare(`
		INSERT INTO sync_history
			(id, device_id, space_id, sync_time, direction,
			 entities_pushed, entities_pulled, conflicts_detected, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.insertConflict, err = s.db.Prepare(`
		INSERT INTO sync_conflicts
			(id, entity_type, entity_id, local_version, remote_version,
			 local_modified, remote_written, conflict_type, detected_at,
			 resolved, device_id, space_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.upsertDevice, err = s.db.Prepare(`
		INSERT INTO devices
			(device_id, device_name, device_type, address, port, public_key,
			 os_version, last_seen, protocol_version, trusted, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			address     = excluded.address,
			port        = excluded.port,
			public_key  = excluded.public_key,
			os_version  = excluded.os_version,
			last_seen   = excluded.last_seen,
			is_active   = 1
	`)
	if err != nil {
		return err
	}

	s.selectDevice, err = s.db.Prepare(`
		SELECT device_id, device_name, device_type, address, port,
		       public_key, os_version, last_seen, is_active
		FROM devices WHERE device_id = ?
	`)
	return err
}

func (s *SyncStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close releases the store's resources.
func (s *SyncStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertHistory, s.insertConflict, s.upsertDevice, s.selectDevice} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// BeginTx starts a transaction for atomic delta application.
func (s *SyncStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.db.BeginTx(ctx, nil)
}

// DB exposes the underlying handle so entity stores can share the same
// database file and transactions.
func (s *SyncStore) DB() *sql.DB {
	return s.db
}

// --- Device registry ---

// UpsertDevice inserts or refreshes a device registry row.
func (s *SyncStore) UpsertDevice(ctx context.Context, d DeviceInfo, trusted bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	trustedInt := 0
	if trusted {
		trustedInt = 1
	}
	_, err := s.upsertDevice.ExecContext(ctx,
		d.DeviceID, d.DeviceName, string(d.DeviceType), d.Address, d.Port,
		d.PublicKey, d.OSVersion, d.LastSeen.UnixNano(), ProtocolVersion, trustedInt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// GetDevice returns a device registry row.
func (s *SyncStore) GetDevice(ctx context.Context, deviceID string) (*DeviceInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var d DeviceInfo
	var devType string
	var lastSeen int64
	var active int
	var address sql.NullString
	var port sql.NullInt64

	err := s.selectDevice.QueryRowContext(ctx, deviceID).Scan(
		&d.DeviceID, &d.DeviceName, &devType, &address, &port,
		&d.PublicKey, &d.OSVersion, &lastSeen, &active)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	d.DeviceType = DeviceType(devType)
	d.Address = address.String
	d.Port = int(port.Int64)
	d.LastSeen = time.Unix(0, lastSeen)
	d.IsActive = active == 1
	return &d, nil
}

// ListDevices returns all registered devices ordered by id.
func (s *SyncStore) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_name, device_type, address, port,
		       public_key, os_version, last_seen, is_active
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceInfo
	for rows.Next() {
		var d DeviceInfo
		var devType string
		var lastSeen int64
		var active int
		var address sql.NullString
		var port sql.NullInt64
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &devType, &address, &port,
			&d.PublicKey, &d.OSVersion, &lastSeen, &active); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.DeviceType = DeviceType(devType)
		d.Address = address.String
		d.Port = int(port.Int64)
		d.LastSeen = time.Unix(0, lastSeen)
		d.IsActive = active == 1
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device from the registry (explicit unpairing).
func (s *SyncStore) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// --- Sync history ---

// RecordHistory appends a sync history row.
func (s *SyncStore) RecordHistory(ctx context.Context, e SyncHistoryEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	successInt := 0
	if e.Success {
		successInt = 1
	}
	_, err := s.insertHistory.ExecContext(ctx,
		e.ID, e.DeviceID, e.SpaceID, e.SyncTime.UnixNano(), string(e.Direction),
		e.EntitiesPushed, e.EntitiesPulled, e.ConflictsDetected, successInt, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Checkpoint returns the sync_time of the most recent successful pass for
// the device/space pair. The zero time means the pair never synced.
func (s *SyncStore) Checkpoint(ctx context.Context, deviceID, spaceID string) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sync_time) FROM sync_history
		WHERE device_id = ? AND space_id = ? AND success = 1
	`, deviceID, spaceID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64), nil
}

// LastSyncAt returns the newest successful sync_time recorded for a space
// across all peer devices. The zero time means the space never synced.
func (s *SyncStore) LastSyncAt(ctx context.Context, spaceID string) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}

	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sync_time) FROM sync_history
		WHERE space_id = ? AND success = 1
	`, spaceID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last sync at: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64), nil
}

// DeviceClock derives per-device counters from history: the number of
// successful passes recorded per device within the space.
func (s *SyncStore) DeviceClock(ctx context.Context, spaceID string) (map[string]uint64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COUNT(*) FROM sync_history
		WHERE space_id = ? AND success = 1
		GROUP BY device_id
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("device clock: %w", err)
	}
	defer rows.Close()

	clock := make(map[string]uint64)
	for rows.Next() {
		var device string
		var count uint64
		if err := rows.Scan(&device, &count); err != nil {
			return nil, fmt.Errorf("scan device clock: %w", err)
		}
		clock[device] = count
	}
	return clock, rows.Err()
}

// History returns the most recent history rows for a space, newest first.
func (s *SyncStore) History(ctx context.Context, spaceID string, limit int) ([]SyncHistoryEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, space_id, sync_time, direction,
		       entities_pushed, entities_pulled, conflicts_detected, success, error_message
		FROM sync_history
		WHERE space_id = ?
		ORDER BY sync_time DESC
		LIMIT ?
	`, spaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var syncTime int64
		var direction string
		var success int
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SpaceID, &syncTime, &direction,
			&e.EntitiesPushed, &e.EntitiesPulled, &e.ConflictsDetected, &success, &errMsg); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SyncTime = time.Unix(0, syncTime)
		e.Direction = SyncDirection(direction)
		e.Success = success == 1
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates the audit history for a space.
func (s *SyncStore) Stats(ctx context.Context, spaceID string) (*SyncStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &SyncStats{}
	var lastSuccess sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(entities_pushed + entities_pulled), 0),
		       COALESCE(SUM(conflicts_detected), 0),
		       MAX(CASE WHEN success = 1 THEN sync_time END)
		FROM sync_history WHERE space_id = ?
	`, spaceID).Scan(&stats.TotalSyncs, &stats.SuccessfulSyncs,
		&stats.TotalEntitiesSynced, &stats.TotalConflicts, &lastSuccess)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	if lastSuccess.Valid {
		stats.LastSuccessfulSync = time.Unix(0, lastSuccess.Int64)
	}
	if stats.TotalSyncs > 0 {
		stats.SuccessRate = float64(stats.SuccessfulSyncs) / float64(stats.TotalSyncs)
	}
	return stats, nil
}

// PruneHistory deletes history rows older than the retention window.
func (s *SyncStore) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_history WHERE sync_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Conflicts ---

// SaveConflictTx records a conflict inside the current apply transaction.
func (s *SyncStore) SaveConflictTx(ctx context.Context, tx *sql.Tx, c SyncConflict) error {
	stmt := tx.StmtContext(ctx, s.insertConflict)
	_, err := stmt.ExecContext(ctx,
		c.ID, c.EntityType, c.EntityID, c.LocalVersion, c.RemoteVersion,
		c.LocalModified.UnixNano(), c.RemoteWritten.UnixNano(),
		string(c.ConflictType), c.DetectedAt.UnixNano(), c.DeviceID, c.SpaceID)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// GetConflict returns one conflict by id.
func (s *SyncStore) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, local_version, remote_version,
		       local_modified, remote_written, conflict_type, detected_at,
		       resolved, resolved_at, resolution, device_id, space_id
		FROM sync_conflicts WHERE id = ?
	`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s not found", id)
	}
	return c, err
}

// ListConflicts returns conflicts for a space; unresolvedOnly filters out
// already-resolved rows.
func (s *SyncStore) ListConflicts(ctx context.Context, spaceID string, unresolvedOnly bool) ([]SyncConflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, entity_type, entity_id, local_version, remote_version,
		       local_modified, remote_written, conflict_type, detected_at,
		       resolved, resolved_at, resolution, device_id, space_id
		FROM sync_conflicts WHERE space_id = ?`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY detected_at`

	rows, err := s.db.QueryContext(ctx, query, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolvedTx marks a conflict resolved inside a transaction.
// A resolved conflict is never overwritten.
func (s *SyncStore) MarkConflictResolvedTx(ctx context.Context, tx *sql.Tx, id string, resolution ConflictResolution) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolved = 1, resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved = 0
	`, time.Now().UnixNano(), string(resolution), id)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflictResolved
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*SyncConflict, error) {
	var c SyncConflict
	var ctype string
	var localModified, remoteWritten, detectedAt int64
	var resolved int
	var resolvedAt sql.NullInt64
	var resolution sql.NullString

	err := row.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
		&localModified, &remoteWritten, &ctype, &detectedAt,
		&resolved, &resolvedAt, &resolution, &c.DeviceID, &c.SpaceID)
	if err != nil {
		return nil, err
	}

	c.ConflictType = ConflictType(ctype)
	c.LocalModified = time.Unix(0, localModified)
	c.RemoteWritten = time.Unix(0, remoteWritten)
	c.DetectedAt = time.Unix(0, detectedAt)
	c.Resolved = resolved == 1
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	c.Resolution = ConflictResolution(resolution.String)
	return &c, nil
}

// --- Entity sync log ---

// LogEntitySyncTx appends an entity sync log row inside a transaction.
func (s *SyncStore) LogEntitySyncTx(ctx context.Context, tx *sql.Tx, d SyncDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entity_sync_log (entity_type, entity_id, synced_at, device_id, operation)
		VALUES (?, ?, ?, ?, ?)
	`, d.EntityType, d.EntityID, time.Now().UnixNano(), d.DeviceID, string(d.Operation))
	if err != nil {
		return fmt.Errorf("log entity sync: %w", err)
	}
	return nil
}
