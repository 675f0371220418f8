package keepsake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Wire protocol over one WebSocket connection:
//
//  1. Client sends a SyncRequest as a text frame.
//  2. Server validates the protocol version and pairing; on failure it
//     sends a failed SyncResponse and closes.
//  3. Server sends a started SyncResponse, then for each outgoing batch
//     an in_progress SyncResponse header followed by one binary frame
//     holding the snappy-compressed batch, then a success SyncResponse.
//  4. Client pushes its own batches the same way, ending with success.
//
// Every batch is applied in a single transaction on the receiving side,
// so a connection dropped mid-stream loses at most unacknowledged
// batches, never partial ones.

const (
	transportWriteWait = 10 * time.Second
	transportReadWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SyncServer accepts sync sessions from paired peers over WebSocket.
type SyncServer struct {
	agent    *SyncAgent
	pairing  *PairingManager
	sessions *SessionManager
	batcher  *BatchProcessor
	dek      []byte

	httpServer *http.Server
	running    atomic.Bool
}

// NewSyncServer creates a sync server. The dek is the opaque
// data-encryption key handed through to the entity layer.
func NewSyncServer(agent *SyncAgent, pairing *PairingManager, sessions *SessionManager, batcher *BatchProcessor, dek []byte) *SyncServer {
	return &SyncServer{
		agent:    agent,
		pairing:  pairing,
		sessions: sessions,
		batcher:  batcher,
		dek:      dek,
	}
}

// RegisterHandlers installs the sync endpoint on a mux.
func (s *SyncServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/sync", s.handleSync)
}

// Start listens on addr until Stop is called.
func (s *SyncServer) Start(addr string) error {
	if s.running.Swap(true) {
		return nil
	}

	mux := http.NewServeMux()
	s.RegisterHandlers(mux)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sync server: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight sessions.
func (s *SyncServer) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *SyncServer) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = conn.Close() }()

	req, err := readSyncRequest(conn)
	if err != nil {
		return
	}

	if req.ProtocolVersion != ProtocolVersion {
		msg := fmt.Sprintf("protocol version %d not supported (want %d)", req.ProtocolVersion, ProtocolVersion)
		s.recordFailure(req, msg)
		s.refuse(conn, req.SessionID, msg)
		return
	}
	if !s.pairing.IsPaired(req.SourceDevice.DeviceID) {
		s.recordFailure(req, "device not paired")
		s.refuse(conn, req.SessionID, "device not paired")
		return
	}

	// Refresh the peer record on every contact.
	peer := req.SourceDevice
	peer.LastSeen = time.Now()
	peer.IsActive = true
	if err := s.agent.store.UpsertDevice(r.Context(), peer, true); err != nil {
		log.Printf("sync server: upsert device %s: %v", peer.DeviceID, err)
	}

	if err := s.serveSession(r.Context(), conn, req); err != nil {
		log.Printf("sync session %s with %s failed: %v", req.SessionID, req.SourceDevice.DeviceID, err)
		s.recordFailure(req, err.Error())
	}
}

// recordFailure writes the failed-session audit row. The write uses a
// background context so a dropped connection cannot suppress it.
func (s *SyncServer) recordFailure(req *SyncRequest, msg string) {
	entry := SyncHistoryEntry{
		DeviceID:     req.SourceDevice.DeviceID,
		SpaceID:      primarySpace(req),
		Direction:    DirectionBidirectional,
		Success:      false,
		ErrorMessage: msg,
	}
	if err := s.agent.RecordSyncHistory(context.Background(), entry); err != nil {
		log.Printf("sync server: record failed session: %v", err)
	}
}

func (s *SyncServer) serveSession(ctx context.Context, conn *websocket.Conn, req *SyncRequest) error {
	spaceID := primarySpace(req)
	since := time.Time{}
	if req.LastSyncTimestamp != nil {
		since = *req.LastSyncTimestamp
	}

	deltas, err := s.agent.DeltasSince(ctx, spaceID, since)
	if err != nil {
		s.refuse(conn, req.SessionID, "delta generation failed")
		return err
	}
	batches := s.batcher.CreateBatches(deltas)

	started := s.response(req.SessionID, SyncStatusStarted)
	started.TotalDeltas = len(deltas)
	started.TotalBatches = len(batches)
	if err := writeResponse(conn, started); err != nil {
		return err
	}

	pushed, err := s.pushBatches(conn, req.SessionID, batches)
	if err != nil {
		return err
	}

	pulled, conflicts, err := s.pullBatches(ctx, conn)
	if err != nil {
		return err
	}

	entry := SyncHistoryEntry{
		DeviceID:          req.SourceDevice.DeviceID,
		SpaceID:           spaceID,
		Direction:         DirectionBidirectional,
		EntitiesPushed:    pushed,
		EntitiesPulled:    pulled,
		ConflictsDetected: conflicts,
		Success:           true,
	}
	return s.agent.RecordSyncHistory(ctx, entry)
}

func (s *SyncServer) pushBatches(conn *websocket.Conn, sessionID string, batches []DeltaBatch) (int, error) {
	pushed := 0
	for i, batch := range batches {
		encoded, err := EncodeBatch(batch)
		if err != nil {
			return pushed, err
		}

		header := s.response(sessionID, SyncStatusInProgress)
		header.BatchNumber = i + 1
		header.TotalBatches = len(batches)
		header.TotalDeltas = len(batch.Deltas)
		header.CompressedSize = encoded.CompressedSize
		header.UncompressedSize = encoded.UncompressedSize
		if err := writeResponse(conn, header); err != nil {
			return pushed, err
		}

		conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, encoded.Payload); err != nil {
			return pushed, newSyncError(SyncErrorTypeNetwork, "write batch", "", err)
		}
		pushed += len(batch.Deltas)
	}

	done := s.response(sessionID, SyncStatusSuccess)
	done.TotalDeltas = pushed
	return pushed, writeResponse(conn, done)
}

// pullBatches reads the peer's batch stream until its success marker,
// applying each batch atomically as it arrives.
func (s *SyncServer) pullBatches(ctx context.Context, conn *websocket.Conn) (pulled, conflicts int, err error) {
	for {
		header, err := readResponse(conn)
		if err != nil {
			return pulled, conflicts, err
		}
		switch header.Status {
		case SyncStatusSuccess, SyncStatusPartialSuccess:
			return pulled, conflicts, nil
		case SyncStatusFailed:
			return pulled, conflicts, newSyncError(SyncErrorTypeNetwork, header.ErrorMessage, header.SourceDevice.DeviceID, ErrConnectionFailed)
		case SyncStatusInProgress:
		default:
			continue
		}

		deltas, err := readBatchFrame(conn)
		if err != nil {
			return pulled, conflicts, err
		}
		result, err := s.agent.ApplyDeltas(ctx, deltas, s.dek)
		if err != nil {
			return pulled, conflicts, err
		}
		pulled += result.Applied
		conflicts += len(result.Conflicts)
	}
}

func (s *SyncServer) response(sessionID string, status SyncStatus) *SyncResponse {
	return &SyncResponse{
		ProtocolVersion: ProtocolVersion,
		SourceDevice:    s.agent.Device(),
		SessionID:       sessionID,
		Status:          status,
		Timestamp:       time.Now(),
	}
}

func (s *SyncServer) refuse(conn *websocket.Conn, sessionID, msg string) {
	resp := s.response(sessionID, SyncStatusFailed)
	resp.ErrorMessage = msg
	_ = writeResponse(conn, resp)
}

// SyncClient dials a peer's sync endpoint and runs one bidirectional
// pass.
type SyncClient struct {
	agent    *SyncAgent
	pairing  *PairingManager
	sessions *SessionManager
	batcher  *BatchProcessor
	dek      []byte
}

// NewSyncClient creates a sync client.
func NewSyncClient(agent *SyncAgent, pairing *PairingManager, sessions *SessionManager, batcher *BatchProcessor, dek []byte) *SyncClient {
	return &SyncClient{
		agent:    agent,
		pairing:  pairing,
		sessions: sessions,
		batcher:  batcher,
		dek:      dek,
	}
}

// Sync runs one full pass against a paired peer: pull the peer's deltas,
// apply them, then push local deltas. The session manager tracks state
// and progress throughout.
func (c *SyncClient) Sync(ctx context.Context, peer DeviceInfo, spaceID string) (*ApplyResult, error) {
	if !c.pairing.IsPaired(peer.DeviceID) {
		return nil, newSyncError(SyncErrorTypeAuth, "device not paired", peer.DeviceID, ErrAuthenticationFailed)
	}

	sessionID := uuid.NewString()
	if err := c.sessions.StartSync(peer, sessionID); err != nil {
		// State-machine rejections are usage errors, not session
		// failures, and stay out of the audit log.
		if !errors.Is(err, ErrSessionActive) && !errors.Is(err, ErrInvalidState) {
			c.recordFailure(peer.DeviceID, spaceID, err)
		}
		return nil, err
	}
	session := c.sessions.Session(peer.DeviceID)

	result, err := c.run(ctx, peer, spaceID, sessionID, session)
	if err != nil {
		c.sessions.FailSync(peer.DeviceID, err)
		c.recordFailure(peer.DeviceID, spaceID, err)
		return nil, err
	}
	if err := c.sessions.CompleteSync(peer.DeviceID); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *SyncClient) run(ctx context.Context, peer DeviceInfo, spaceID, sessionID string, session *SyncSession) (*ApplyResult, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(peer.Address, fmt.Sprintf("%d", peer.Port)),
		Path:   "/sync",
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "dial peer", peer.DeviceID, ErrConnectionFailed)
	}
	defer func() { _ = conn.Close() }()

	lastSync, err := c.agent.store.LastSyncAt(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	req := SyncRequest{
		ProtocolVersion: ProtocolVersion,
		SourceDevice:    c.agent.Device(),
		TargetDeviceID:  peer.DeviceID,
		SessionID:       sessionID,
		SpaceID:         spaceID,
		Timestamp:       time.Now(),
		SyncCategories:  c.agent.entities.EntityTypes(),
	}
	if !lastSync.IsZero() {
		req.LastSyncTimestamp = &lastSync
	}
	if err := writeRequest(conn, &req); err != nil {
		return nil, err
	}

	started, err := readResponse(conn)
	if err != nil {
		return nil, err
	}
	switch started.Status {
	case SyncStatusStarted:
	case SyncStatusFailed:
		return nil, classifyRefusal(started, peer.DeviceID)
	default:
		return nil, newSyncError(SyncErrorTypeNetwork,
			fmt.Sprintf("unexpected status %q", started.Status), peer.DeviceID, ErrConnectionFailed)
	}

	// Pull phase: half the progress bar.
	result := &ApplyResult{}
	totalBatches := started.TotalBatches
	received := 0
	for {
		header, err := readResponse(conn)
		if err != nil {
			return nil, err
		}
		if header.Status == SyncStatusSuccess || header.Status == SyncStatusPartialSuccess {
			break
		}
		if header.Status == SyncStatusFailed {
			return nil, classifyRefusal(header, peer.DeviceID)
		}

		deltas, err := readBatchFrame(conn)
		if err != nil {
			return nil, err
		}
		batchResult, err := c.agent.ApplyDeltas(ctx, deltas, c.dek)
		if err != nil {
			return nil, err
		}
		result.Applied += batchResult.Applied
		result.Skipped += batchResult.Skipped
		result.Rejected += batchResult.Rejected
		result.Conflicts = append(result.Conflicts, batchResult.Conflicts...)

		received++
		if totalBatches > 0 {
			session.AdvanceProgress(0.5 * float64(received) / float64(totalBatches))
		}
	}
	session.AdvanceProgress(0.5)

	// Push phase: the other half.
	deltas, err := c.agent.DeltasSince(ctx, spaceID, lastSync)
	if err != nil {
		return nil, err
	}
	batches := c.batcher.CreateBatches(deltas)
	pushed := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		encoded, err := EncodeBatch(batch)
		if err != nil {
			return nil, err
		}

		header := &SyncResponse{
			ProtocolVersion:  ProtocolVersion,
			SourceDevice:     c.agent.Device(),
			SessionID:        sessionID,
			Status:           SyncStatusInProgress,
			BatchNumber:      i + 1,
			TotalBatches:     len(batches),
			TotalDeltas:      len(batch.Deltas),
			Timestamp:        time.Now(),
			CompressedSize:   encoded.CompressedSize,
			UncompressedSize: encoded.UncompressedSize,
		}
		if err := writeResponse(conn, header); err != nil {
			return nil, err
		}
		conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, encoded.Payload); err != nil {
			return nil, newSyncError(SyncErrorTypeNetwork, "write batch", peer.DeviceID, err)
		}

		pushed += len(batch.Deltas)
		if len(batches) > 0 {
			session.AdvanceProgress(0.5 + 0.5*float64(i+1)/float64(len(batches)))
		}
	}

	done := &SyncResponse{
		ProtocolVersion: ProtocolVersion,
		SourceDevice:    c.agent.Device(),
		SessionID:       sessionID,
		Status:          SyncStatusSuccess,
		TotalDeltas:     pushed,
		Timestamp:       time.Now(),
	}
	if err := writeResponse(conn, done); err != nil {
		return nil, err
	}

	entry := SyncHistoryEntry{
		DeviceID:          peer.DeviceID,
		SpaceID:           spaceID,
		Direction:         DirectionBidirectional,
		EntitiesPushed:    pushed,
		EntitiesPulled:    result.Applied,
		ConflictsDetected: len(result.Conflicts),
		Success:           true,
	}
	if err := c.agent.RecordSyncHistory(ctx, entry); err != nil {
		return nil, err
	}
	return result, nil
}

// recordFailure writes the failed-session audit row on the client side.
// The write uses a background context so cancellation cannot suppress it.
func (c *SyncClient) recordFailure(deviceID, spaceID string, cause error) {
	entry := SyncHistoryEntry{
		DeviceID:     deviceID,
		SpaceID:      spaceID,
		Direction:    DirectionBidirectional,
		Success:      false,
		ErrorMessage: cause.Error(),
	}
	if err := c.agent.RecordSyncHistory(context.Background(), entry); err != nil {
		log.Printf("sync client: record failed session: %v", err)
	}
}

func classifyRefusal(resp *SyncResponse, deviceID string) error {
	if resp.ProtocolVersion != ProtocolVersion {
		return newSyncError(SyncErrorTypeVersion, resp.ErrorMessage, deviceID, ErrVersionMismatch)
	}
	return newSyncError(SyncErrorTypeNetwork, resp.ErrorMessage, deviceID, ErrConnectionFailed)
}

func primarySpace(req *SyncRequest) string {
	if req.SpaceID != "" {
		return req.SpaceID
	}
	return "default"
}

// --- Frame helpers ---

func writeRequest(conn *websocket.Conn, req *SyncRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode sync request: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return newSyncError(SyncErrorTypeNetwork, "write sync request", "", err)
	}
	return nil
}

func readSyncRequest(conn *websocket.Conn) (*SyncRequest, error) {
	conn.SetReadDeadline(time.Now().Add(transportReadWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "read sync request", "", err)
	}
	var req SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, newSyncError(SyncErrorTypeData, "decode sync request", "", err)
	}
	return &req, nil
}

func writeResponse(conn *websocket.Conn, resp *SyncResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode sync response: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return newSyncError(SyncErrorTypeNetwork, "write sync response", "", err)
	}
	return nil
}

func readResponse(conn *websocket.Conn) (*SyncResponse, error) {
	conn.SetReadDeadline(time.Now().Add(transportReadWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "read sync response", "", err)
	}
	var resp SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, newSyncError(SyncErrorTypeData, "decode sync response", "", err)
	}
	return &resp, nil
}

// readBatchFrame reads one binary frame and decodes it into deltas.
func readBatchFrame(conn *websocket.Conn) ([]SyncDelta, error) {
	conn.SetReadDeadline(time.Now().Add(transportReadWait))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "read batch", "", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, newSyncError(SyncErrorTypeData, "expected binary batch frame", "", ErrInvalidData)
	}
	return DecodeBatch(payload)
}
