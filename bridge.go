package keepsake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Bridge is the application-facing facade over the sync core. It owns
// the component wiring (store, pairing, discovery, sessions, transport)
// and exposes coarse operations a shell UI can call directly or over the
// local HTTP surface.
type Bridge struct {
	config    SyncConfig
	store     *SyncStore
	agent     *SyncAgent
	pairing   *PairingManager
	discovery *Discovery
	sessions  *SessionManager
	server    *SyncServer
	client    *SyncClient

	pendingCode atomic.Value // string
	running     atomic.Bool
}

// NewBridge wires the sync core from configuration. The entity store is
// the application's persistence layer; dek is the opaque data-encryption
// key passed through to it.
func NewBridge(config SyncConfig, storePath string, entities EntityStore, dek []byte) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenSyncStore(DefaultSyncStoreConfig(storePath))
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}

	pairing, err := NewPairingManager(config.LocalDevice(nil))
	if err != nil {
		store.Close()
		return nil, err
	}
	local := pairing.LocalDevice()

	agent := NewSyncAgent(local, store, entities, config)
	sessions := NewSessionManager(config.ProbeTimeout)
	batcher := NewBatchProcessor(BatchProcessorConfig{
		MaxItems: config.BatchMaxItems,
		MaxBytes: config.BatchMaxBytes,
	})

	return &Bridge{
		config:    config,
		store:     store,
		agent:     agent,
		pairing:   pairing,
		discovery: NewDiscovery(local, config),
		sessions:  sessions,
		server:    NewSyncServer(agent, pairing, sessions, batcher, dek),
		client:    NewSyncClient(agent, pairing, sessions, batcher, dek),
	}, nil
}

// Start brings up advertising and the sync endpoint.
func (b *Bridge) Start() error {
	if b.running.Swap(true) {
		return nil
	}
	if err := b.discovery.StartAdvertising(); err != nil {
		b.running.Store(false)
		return err
	}
	return b.server.Start(fmt.Sprintf(":%d", b.config.SyncPort))
}

// Stop shuts the bridge down and closes the store.
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return nil
	}
	b.discovery.Stop()
	if err := b.server.Stop(ctx); err != nil {
		return err
	}
	return b.store.Close()
}

// LocalDevice returns this device's descriptor including its exchange
// public key.
func (b *Bridge) LocalDevice() DeviceInfo {
	return b.pairing.LocalDevice()
}

// Discover listens for peers on the local network within the configured
// budget.
func (b *Bridge) Discover(ctx context.Context) ([]DeviceInfo, error) {
	return b.discovery.Discover(ctx, b.config.DiscoveryBudget)
}

// BeginPairing generates and retains a fresh out-of-band code for the
// next incoming pairing request.
func (b *Bridge) BeginPairing() (string, error) {
	code, err := GeneratePairingCode(b.config.PairingCodeLength)
	if err != nil {
		return "", err
	}
	b.pendingCode.Store(code)
	return code, nil
}

// AcceptPairing handles an incoming pairing request against the pending
// code. On success the peer is persisted in the device registry.
func (b *Bridge) AcceptPairing(ctx context.Context, req PairingRequest) (*PairingResponse, error) {
	code, _ := b.pendingCode.Load().(string)
	if code == "" {
		return nil, newSyncError(SyncErrorTypeAuth, "no pairing in progress", req.Device.DeviceID, ErrAuthenticationFailed)
	}

	resp, err := b.pairing.PairDevice(req, code)
	if err != nil {
		return resp, err
	}
	b.pendingCode.Store("")

	peer := req.Device
	peer.PublicKey = req.PublicKey
	peer.LastSeen = time.Now()
	peer.IsActive = true
	if err := b.store.UpsertDevice(ctx, peer, true); err != nil {
		return resp, err
	}
	return resp, nil
}

// RequestPairing completes pairing from the requesting side using the
// responder's reply.
func (b *Bridge) RequestPairing(ctx context.Context, resp PairingResponse) error {
	if !resp.Success {
		return newSyncError(SyncErrorTypeAuth, resp.ErrorMessage, resp.Device.DeviceID, ErrAuthenticationFailed)
	}
	if err := b.pairing.CompletePairing(resp.Device, resp.PublicKey); err != nil {
		return err
	}

	peer := resp.Device
	peer.LastSeen = time.Now()
	peer.IsActive = true
	return b.store.UpsertDevice(ctx, peer, true)
}

// Unpair removes a device from the paired set and the registry.
func (b *Bridge) Unpair(ctx context.Context, deviceID string) error {
	if err := b.pairing.UnpairDevice(deviceID); err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return err
	}
	return b.store.DeleteDevice(ctx, deviceID)
}

// PairedDevices lists currently paired devices.
func (b *Bridge) PairedDevices() []DeviceInfo {
	return b.pairing.PairedDevices()
}

// Connect checks that a known device is currently reachable without
// starting a sync. The session parks at Connected on success.
func (b *Bridge) Connect(ctx context.Context, deviceID string) error {
	peer, err := b.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	return b.sessions.Connect(*peer)
}

// StartSync runs one bidirectional sync pass against a paired peer.
func (b *Bridge) StartSync(ctx context.Context, deviceID, spaceID string) (*ApplyResult, error) {
	peer, err := b.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return b.client.Sync(ctx, *peer, spaceID)
}

// CancelSync aborts an in-progress sync with a device at the next batch
// boundary.
func (b *Bridge) CancelSync(deviceID string) error {
	return b.sessions.CancelSync(deviceID)
}

// SyncProgress reports the state and progress of the session with a
// device.
func (b *Bridge) SyncProgress(deviceID string) (SessionState, float64) {
	s := b.sessions.Session(deviceID)
	return s.State(), s.Progress()
}

// Conflicts lists sync conflicts for a space.
func (b *Bridge) Conflicts(ctx context.Context, spaceID string, unresolvedOnly bool) ([]SyncConflict, error) {
	return b.agent.Conflicts(ctx, spaceID, unresolvedOnly)
}

// AutoResolveConflicts applies the configured strategy to all unresolved
// conflicts in a space.
func (b *Bridge) AutoResolveConflicts(ctx context.Context, spaceID string, dek []byte) (int, error) {
	return b.agent.AutoResolveConflicts(ctx, spaceID, dek)
}

// ResolveConflict applies a resolution choice to a recorded conflict.
func (b *Bridge) ResolveConflict(ctx context.Context, conflictID string, resolution ConflictResolution, dek []byte) error {
	return b.agent.ResolveConflict(ctx, conflictID, resolution, dek)
}

// History returns recent sync history for a space, newest first.
func (b *Bridge) History(ctx context.Context, spaceID string, limit int) ([]SyncHistoryEntry, error) {
	return b.agent.History(ctx, spaceID, limit)
}

// Stats aggregates sync statistics for a space.
func (b *Bridge) Stats(ctx context.Context, spaceID string) (*SyncStats, error) {
	return b.agent.Stats(ctx, spaceID)
}

// PruneHistory removes audit rows older than the retention window.
func (b *Bridge) PruneHistory(ctx context.Context) (int64, error) {
	return b.store.PruneHistory(ctx, b.config.HistoryRetention)
}

// RegisterHTTPHandlers installs the local control surface on a mux. The
// shell UI is the only intended caller; the mux should be bound to
// loopback.
func (b *Bridge) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/sync/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.PairedDevices())
	})
	mux.HandleFunc("/api/v1/sync/discover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		devices, err := b.Discover(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(devices)
	})
	mux.HandleFunc("/api/v1/sync/pair", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			code, err := b.BeginPairing()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"pairing_code": code})
		case http.MethodPost:
			var req PairingRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
			resp, err := b.AcceptPairing(r.Context(), req)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(resp)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/sync/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DeviceID string `json:"device_id"`
			SpaceID  string `json:"space_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		result, err := b.StartSync(r.Context(), req.DeviceID, req.SpaceID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrSessionActive) || errors.Is(err, ErrInvalidState) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/api/v1/sync/progress", func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")
		state, progress := b.SyncProgress(deviceID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state":    state,
			"progress": progress,
		})
	})
	mux.HandleFunc("/api/v1/sync/conflicts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			conflicts, err := b.Conflicts(r.Context(), r.URL.Query().Get("space_id"), r.URL.Query().Get("unresolved") == "true")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(conflicts)
		case http.MethodPost:
			var req struct {
				ConflictID string             `json:"conflict_id"`
				Resolution ConflictResolution `json:"resolution"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
			if err := b.ResolveConflict(r.Context(), req.ConflictID, req.Resolution, nil); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrConflictResolved) {
					status = http.StatusConflict
				}
				http.Error(w, err.Error(), status)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/sync/history", func(w http.ResponseWriter, r *http.Request) {
		entries, err := b.History(r.Context(), r.URL.Query().Get("space_id"), 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/api/v1/sync/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := b.Stats(r.Context(), r.URL.Query().Get("space_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
}
