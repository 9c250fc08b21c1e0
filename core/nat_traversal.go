package core

// nat_traversal.go is the reachability probe and relay fallback: classify
// this node as public, NATed, or unknown, map a port via NAT-PMP or UPnP
// where possible, and fall back to a configured relay peer when direct
// mapping fails.

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// Reachability is this node's NAT classification.
type Reachability uint8

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityPublic
	ReachabilityNATed
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityPublic:
		return "public"
	case ReachabilityNATed:
		return "nated"
	default:
		return "unknown"
	}
}

// NATManager discovers the local gateway, attempts port mapping via NAT-PMP
// or UPnP, and tracks the node's reachability class and any relay peers it
// falls back to.
type NATManager struct {
	mu           sync.RWMutex
	ip           net.IP
	pmp          *natpmp.Client
	upnp         *internetgateway1.WANIPConnection1
	mappedPort   int
	reachability Reachability
	relayPeers   []string
	usingRelay   bool
}

// NewNATManager discovers the gateway and external IP, preferring NAT-PMP
// and falling back to UPnP.
func NewNATManager() (*NATManager, error) {
	m := &NATManager{reachability: ReachabilityUnknown}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("nat_traversal: gateway not found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address.
func (m *NATManager) ExternalIP() net.IP {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ip
}

// Map opens the given TCP port on the gateway and classifies reachability
// based on the outcome.
func (m *NATManager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mu.Lock()
			m.mappedPort = port
			m.reachability = ReachabilityPublic
			m.mu.Unlock()
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "meshvault", 3600); err == nil {
			m.mu.Lock()
			m.mappedPort = port
			m.reachability = ReachabilityPublic
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Lock()
	m.reachability = ReachabilityNATed
	m.mu.Unlock()
	return fmt.Errorf("nat_traversal: mapping failed")
}

// Reachability reports this node's current NAT classification.
func (m *NATManager) Reachability() Reachability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachability
}

// Unmap removes the previously mapped port.
func (m *NATManager) Unmap() error {
	m.mu.Lock()
	port := m.mappedPort
	m.mu.Unlock()
	if port == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 0); err != nil {
			return err
		}
		m.mu.Lock()
		m.mappedPort = 0
		m.mu.Unlock()
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(port), "TCP"); err != nil {
			return err
		}
		m.mu.Lock()
		m.mappedPort = 0
		m.mu.Unlock()
	}
	return nil
}

// UseRelay records that this node could not be mapped directly and is
// falling back to the given relay peers: it stores the list, sets the
// relay flag and logs. It opens no relay connection and advertises no
// relay address in the DHT.
func (m *NATManager) UseRelay(relayPeers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayPeers = relayPeers
	m.usingRelay = len(relayPeers) > 0
	if m.usingRelay {
		logrus.Infof("nat_traversal: unreachable directly, relaying via %d peer(s)", len(relayPeers))
	}
}

// UsingRelay reports whether this node is currently relay-dependent.
func (m *NATManager) UsingRelay() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usingRelay
}

// RelayPeers returns the configured relay fallback addresses.
func (m *NATManager) RelayPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.relayPeers))
	copy(out, m.relayPeers)
	return out
}

// parsePort extracts the TCP port from a libp2p multiaddress string.
func parsePort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("no tcp port in %s", addr)
}
