package keepsake

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// PairingKeySize is the X25519 public/private key size.
	PairingKeySize = 32
	// SessionSecretSize is the derived shared secret size.
	SessionSecretSize = 32
)

// hkdfInfo domain-separates the pairing key derivation.
var hkdfInfo = []byte("keepsake-pairing-v1")

// PairingManager holds the paired-device list and the per-device session
// secrets derived during pairing. The list and secrets are mutated only by
// pairing/unpairing and are guarded by a single writer lock.
type PairingManager struct {
	local DeviceInfo

	privateKey []byte
	publicKey  []byte

	mu      sync.RWMutex
	paired  map[string]DeviceInfo
	secrets map[string][]byte
}

// NewPairingManager creates a pairing manager with a fresh ephemeral
// X25519 key pair for the local device.
func NewPairingManager(local DeviceInfo) (*PairingManager, error) {
	priv := make([]byte, PairingKeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeKeyExchange, "derive public key", local.DeviceID, err)
	}

	local.PublicKey = pub
	return &PairingManager{
		local:      local,
		privateKey: priv,
		publicKey:  pub,
		paired:     make(map[string]DeviceInfo),
		secrets:    make(map[string][]byte),
	}, nil
}

// PublicKey returns the local device's exchange public key.
func (pm *PairingManager) PublicKey() []byte {
	return append([]byte(nil), pm.publicKey...)
}

// LocalDevice returns the local device descriptor including its public key.
func (pm *PairingManager) LocalDevice() DeviceInfo {
	return pm.local
}

// PairDevice processes a pairing request against the expected out-of-band
// code. On success the peer is added to the paired-device list and the
// shared secret, computed locally from the key exchange, is retained keyed
// by device id. Only public keys ever travel on the wire.
func (pm *PairingManager) PairDevice(req PairingRequest, expectedCode string) (*PairingResponse, error) {
	// Constant-time code verification. Length mismatch fails the same way
	// as a content mismatch so nothing leaks about which byte differed.
	if len(req.PairingCode) != len(expectedCode) ||
		subtle.ConstantTimeCompare([]byte(req.PairingCode), []byte(expectedCode)) != 1 {
		return pm.failure("pairing code mismatch"), ErrAuthenticationFailed
	}

	if req.Device.DeviceID == "" {
		return pm.failure("missing device id"), newSyncError(SyncErrorTypeData, "pairing request missing device id", "", ErrInvalidData)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.paired[req.Device.DeviceID]; exists {
		return pm.failure("device already paired"), ErrDuplicateDevice
	}

	secret, err := pm.deriveSharedSecret(req.PublicKey)
	if err != nil {
		return pm.failure("key exchange failed"), err
	}

	peer := req.Device
	peer.PublicKey = append([]byte(nil), req.PublicKey...)
	peer.LastSeen = time.Now()
	peer.IsActive = true

	pm.paired[peer.DeviceID] = peer
	pm.secrets[peer.DeviceID] = secret

	return &PairingResponse{
		Device:    pm.local,
		Success:   true,
		PublicKey: pm.publicKey,
		Timestamp: time.Now(),
	}, nil
}

// CompletePairing derives the shared secret on the requesting side from
// the responder's public key and records the peer.
func (pm *PairingManager) CompletePairing(peer DeviceInfo, responderPublicKey []byte) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.paired[peer.DeviceID]; exists {
		return ErrDuplicateDevice
	}

	secret, err := pm.deriveSharedSecret(responderPublicKey)
	if err != nil {
		return err
	}

	peer.PublicKey = append([]byte(nil), responderPublicKey...)
	peer.LastSeen = time.Now()
	peer.IsActive = true

	pm.paired[peer.DeviceID] = peer
	pm.secrets[peer.DeviceID] = secret
	return nil
}

// deriveSharedSecret computes HKDF-SHA256(X25519(priv, peerPub)). Both
// sides compute the identical secret locally; it is never transmitted.
// Callers must hold pm.mu.
func (pm *PairingManager) deriveSharedSecret(peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != PairingKeySize {
		return nil, newSyncError(SyncErrorTypeKeyExchange,
			fmt.Sprintf("public key must be %d bytes, got %d", PairingKeySize, len(peerPublicKey)),
			"", ErrKeyExchangeFailed)
	}

	shared, err := curve25519.X25519(pm.privateKey, peerPublicKey)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeKeyExchange, "compute shared point", "", ErrKeyExchangeFailed)
	}

	secret := make([]byte, SessionSecretSize)
	kdf := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, newSyncError(SyncErrorTypeKeyExchange, "derive session secret", "", err)
	}
	return secret, nil
}

func (pm *PairingManager) failure(msg string) *PairingResponse {
	return &PairingResponse{
		Device:       pm.local,
		Success:      false,
		ErrorMessage: msg,
		Timestamp:    time.Now(),
	}
}

// UnpairDevice removes a paired device and wipes its session secret.
func (pm *PairingManager) UnpairDevice(deviceID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.paired[deviceID]; !exists {
		return ErrDeviceNotFound
	}
	delete(pm.paired, deviceID)
	if secret, ok := pm.secrets[deviceID]; ok {
		for i := range secret {
			secret[i] = 0
		}
		delete(pm.secrets, deviceID)
	}
	return nil
}

// PairedDevices returns the current paired-device list.
func (pm *PairingManager) PairedDevices() []DeviceInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	devices := make([]DeviceInfo, 0, len(pm.paired))
	for _, d := range pm.paired {
		devices = append(devices, d)
	}
	return devices
}

// IsPaired reports whether a device id is in the paired list.
func (pm *PairingManager) IsPaired(deviceID string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, ok := pm.paired[deviceID]
	return ok
}

// SessionSecret returns the shared secret for a paired device.
func (pm *PairingManager) SessionSecret(deviceID string) ([]byte, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	secret, ok := pm.secrets[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return append([]byte(nil), secret...), nil
}

// GeneratePairingCode produces a short numeric code for out-of-band
// display. Bytes at or above 250 are rejected before the mod so every
// digit is equally likely.
func GeneratePairingCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	digits := make([]byte, 0, length)
	buf := make([]byte, 1)
	for len(digits) < length {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		if buf[0] >= 250 {
			continue
		}
		digits = append(digits, '0'+buf[0]%10)
	}
	return string(digits), nil
}
