// Package discovery advertises the daemon on the local network over
// mDNS/DNS-SD so mobile clients can find it without typing an address.
package discovery

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"

	"github.com/termlink/termlink/internal/version"
)

// ServiceType is the DNS-SD service type clients browse for.
const ServiceType = "_termlink._tcp"

// Advertiser is a running mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the daemon. The TXT record carries enough for a client
// to pre-fill its connection dialog.
func Advertise(instanceName, deviceID string, port int) (*Advertiser, error) {
	txt := []string{
		"device_id=" + deviceID,
		"version=" + version.Version,
	}
	server, err := zeroconf.Register(instanceName, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}
	log.Info("advertising on local network", "instance", instanceName, "service", ServiceType, "port", port)
	return &Advertiser{server: server}, nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
