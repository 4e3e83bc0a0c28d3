// Package nat performs NAT port mapping for the node's libp2p listener,
// adapted from core/nat_traversal.go: gateway discovery via
// github.com/jackpal/gateway, NAT-PMP via github.com/jackpal/go-nat-pmp,
// falling back to UPnP via github.com/huin/goupnp.
package nat

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// Manager discovers the LAN gateway and maps the node's listen port onto
// it, so inbound peers can dial in through a home/office NAT.
type Manager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
	log        *logrus.Entry
}

// New discovers the gateway and external IP. An error here is non-fatal to
// the caller: many test and datacenter environments have no NAT gateway.
func New() (*Manager, error) {
	m := &Manager{log: logrus.WithField("component", "p2p.nat")}
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
		return nil, fmt.Errorf("p2p/nat: gateway not found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address.
func (m *Manager) ExternalIP() net.IP { return m.ip }

// Map opens the given TCP port on the gateway, preferring NAT-PMP.
func (m *Manager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "mina-core", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("p2p/nat: mapping failed")
}

// Unmap removes the previously mapped port.
func (m *Manager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}

// PortFromMultiaddr extracts the TCP port from a libp2p multiaddress
// string, e.g. "/ip4/0.0.0.0/tcp/8302".
func PortFromMultiaddr(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("p2p/nat: no tcp port in %s", addr)
}
