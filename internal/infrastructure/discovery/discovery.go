// Package discovery implements an optional UDP broadcast announcer:
// every interval it broadcasts a small JSON datagram advertising this
// device's HTTP port to anything listening on the LAN broadcast address,
// so a sink browser can find the source without the user typing an IP.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"cam2tv/internal/application"
)

const (
	broadcastAddr = "255.255.255.255:8081"
	interval      = 2 * time.Second

	messageType = "FITNESS_MIRROR_DISCOVERY"
)

type announcement struct {
	Type string `json:"type"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// Announcer is the discovery collaborator (application.Discoverer): it
// owns a UDP socket and a ticker goroutine, started and stopped alongside
// the pipeline's own Start/Stop.
type Announcer struct {
	log      application.Logger
	httpPort int
	name     string

	stop chan struct{}
	done chan struct{}
}

// New builds an Announcer for the given HTTP port and device name.
func New(log application.Logger, httpPort int, name string) *Announcer {
	return &Announcer{log: log, httpPort: httpPort, name: name}
}

// Start begins broadcasting every two seconds until Stop is called. It
// never blocks past the initial socket setup.
func (a *Announcer) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolving broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("discovery: opening udp socket: %w", err)
	}

	a.stop = make(chan struct{})
	a.done = make(chan struct{})

	localIP := localAddress()
	msg := announcement{
		Type: messageType,
		IP:   localIP,
		Port: a.httpPort,
		Name: a.name,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("discovery: marshalling announcement: %w", err)
	}

	go a.run(conn, raddr, payload)
	return nil
}

func (a *Announcer) run(conn *net.UDPConn, raddr *net.UDPAddr, payload []byte) {
	defer close(a.done)
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteToUDP(payload, raddr); err != nil {
			a.log.Warn("discovery: broadcast failed: %v", err)
		}
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the broadcast loop and releases the socket. Safe to call
// even if Start was never called.
func (a *Announcer) Stop() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
}

// localAddress returns this host's non-loopback IPv4 address, falling
// back to "0.0.0.0" if none can be determined, the discovery payload is
// informational only, so a degraded value here is not fatal.
func localAddress() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}
