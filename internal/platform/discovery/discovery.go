// Package discovery announces and finds inkroom servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service type inkroom servers register.
const ServiceType = "_inkroom._tcp"

// DefaultPort is the inkroom HTTP port used when PORT is unset.
const DefaultPort = 3000

// Announcement is a running mDNS registration.
type Announcement struct {
	server *mdns.Server
}

// Advertise registers this host as an inkroom server listening on port.
// Instance defaults to the hostname.
func Advertise(instance string, port int) (*Announcement, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"",
		"",
		port,
		nil,
		[]string{"path=/ws"},
	)
	if err != nil {
		return nil, fmt.Errorf("create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	return &Announcement{server: server}, nil
}

// Close withdraws the announcement.
func (a *Announcement) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Peer is a discovered inkroom server.
type Peer struct {
	Instance string
	Addr     string
}

// Browse looks up inkroom servers until timeout elapses or ctx ends and
// returns the unique peers found.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	lookupErr := make(chan error, 1)
	go func() {
		lookupErr <- mdns.Query(params)
		close(entries)
	}()

	seen := make(map[string]struct{})
	var peers []Peer
	for {
		select {
		case <-ctx.Done():
			return peers, ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				if err := <-lookupErr; err != nil {
					return peers, fmt.Errorf("mdns query: %w", err)
				}
				return peers, nil
			}
			peer, ok := peerFromEntry(entry)
			if !ok {
				continue
			}
			if _, dup := seen[peer.Addr]; dup {
				continue
			}
			seen[peer.Addr] = struct{}{}
			peers = append(peers, peer)
		}
	}
}

func peerFromEntry(entry *mdns.ServiceEntry) (Peer, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return Peer{}, false
	}
	return Peer{
		Instance: entry.Name,
		Addr:     net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port)),
	}, true
}
