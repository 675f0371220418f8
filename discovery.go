package keepsake

import (
	"context"
	"encoding/json"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// discoveryMagic prefixes every advertisement datagram so unrelated
// multicast traffic on the group is ignored.
const discoveryMagic = "KPSK1 "

// Discovery advertises this device on a local-network multicast group and
// collects advertisements from peers. Listening is bounded by a budget and
// returns whatever was collected when it expires.
type Discovery struct {
	announcement DiscoveryAnnouncement
	addr         string
	interval     time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDiscovery creates a discovery service for the local device.
func NewDiscovery(local DeviceInfo, cfg SyncConfig) *Discovery {
	return &Discovery{
		announcement: DiscoveryAnnouncement{
			DeviceID:   local.DeviceID,
			DeviceName: local.DeviceName,
			DeviceType: local.DeviceType,
			SyncPort:   local.Port,
			PublicKey:  local.PublicKey,
			OSVersion:  local.OSVersion,
		},
		addr:     cfg.DiscoveryAddr,
		interval: cfg.DiscoveryInterval,
	}
}

// StartAdvertising begins periodic multicast announcements.
func (d *Discovery) StartAdvertising() error {
	if d.running.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.advertiseLoop(ctx)
	return nil
}

// Stop halts advertising.
func (d *Discovery) Stop() {
	if !d.running.Swap(false) {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Discovery) advertiseLoop(ctx context.Context) {
	defer d.wg.Done()

	addr, err := net.ResolveUDPAddr("udp4", d.addr)
	if err != nil {
		return
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return
	}
	defer conn.Close()

	payload, err := json.Marshal(d.announcement)
	if err != nil {
		return
	}
	datagram := append([]byte(discoveryMagic), payload...)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Announce immediately, then on every tick.
	conn.Write(datagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.Write(datagram)
		}
	}
}

// Discover listens on the multicast group for up to the budget duration
// and returns the devices heard. The local device is excluded. Discover
// never blocks past the budget or the context deadline.
func (d *Discovery) Discover(ctx context.Context, budget time.Duration) ([]DeviceInfo, error) {
	addr, err := net.ResolveUDPAddr("udp4", d.addr)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "resolve discovery address", "", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "join discovery group", "", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(budget)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	seen := make(map[string]DeviceInfo)
	buf := make([]byte, 2048)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		device, ok := parseAnnouncement(buf[:n], src)
		if !ok || device.DeviceID == d.announcement.DeviceID {
			continue
		}
		seen[device.DeviceID] = device
	}

	devices := make([]DeviceInfo, 0, len(seen))
	for _, dev := range seen {
		devices = append(devices, dev)
	}
	return devices, nil
}

func parseAnnouncement(datagram []byte, src *net.UDPAddr) (DeviceInfo, bool) {
	if len(datagram) <= len(discoveryMagic) || string(datagram[:len(discoveryMagic)]) != discoveryMagic {
		return DeviceInfo{}, false
	}

	var ann DiscoveryAnnouncement
	if err := json.Unmarshal(datagram[len(discoveryMagic):], &ann); err != nil {
		return DeviceInfo{}, false
	}
	if ann.DeviceID == "" || ann.SyncPort <= 0 {
		return DeviceInfo{}, false
	}

	return DeviceInfo{
		DeviceID:   ann.DeviceID,
		DeviceName: ann.DeviceName,
		DeviceType: ann.DeviceType,
		Address:    src.IP.String(),
		Port:       ann.SyncPort,
		PublicKey:  ann.PublicKey,
		OSVersion:  ann.OSVersion,
		LastSeen:   time.Now(),
		IsActive:   true,
	}, true
}

func osVersion() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
