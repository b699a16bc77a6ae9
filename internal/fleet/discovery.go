// Package fleet — discovery.go
//
// UDP discovery beacon. Every announce interval a server_announce datagram
// is broadcast to the configured port so detached workers can find the
// coordinator without static configuration:
//
//	{"type":"server_announce","ip":<local-ip>,"port":<tcp-port>,"system":<tag>}
//
// The advertised IP is the source address the kernel picks for an outbound
// UDP socket toward 8.8.8.8:80 — no packet is sent, the connect only
// resolves routing.

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
)

// Announcer broadcasts the coordinator's TCP endpoint on the LAN.
type Announcer struct {
	cfg       config.FleetConfig
	systemTag string
	log       *zap.Logger
}

// NewAnnouncer creates a discovery beacon for the given fleet config.
func NewAnnouncer(cfg config.FleetConfig, systemTag string, log *zap.Logger) *Announcer {
	return &Announcer{cfg: cfg, systemTag: systemTag, log: log}
}

// Run broadcasts until ctx is cancelled. A failed send is logged and the
// beacon keeps ticking — discovery is best-effort by design.
func (a *Announcer) Run(ctx context.Context) {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: a.cfg.DiscoveryPort}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		a.log.Error("discovery socket failed, beacon disabled", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ip, err := LocalIP()
			if err != nil {
				a.log.Warn("local IP resolution failed", zap.Error(err))
				continue
			}
			body, _ := json.Marshal(Message{
				Type:   "server_announce",
				IP:     ip,
				Port:   a.cfg.TCPPort,
				System: a.systemTag,
			})
			if _, err := conn.Write(body); err != nil {
				a.log.Warn("discovery broadcast failed", zap.Error(err))
			}
		}
	}
}

// LocalIP returns the address the kernel routes LAN-bound traffic from.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("fleet: resolve local IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
