package lifecycle

import (
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/plexsphere/splitwg/internal/steps"
	"github.com/plexsphere/splitwg/internal/svcconf"
	"github.com/plexsphere/splitwg/internal/tunnel"
)

// Environment describes the host the controller is installed on. It is
// resolved once by the caller and passed unchanged through an install.
type Environment struct {
	// Platform is a free-form label recorded in the install state.
	Platform string
	// Variant selects how the protected service config is patched.
	Variant svcconf.Variant
	// ServiceUnit is the protected service, e.g. lnd.service.
	ServiceUnit string
	// ServiceConfig is the protected service's configuration file.
	ServiceConfig string
	// TunnelConfig is the wg-quick configuration of the tunnel.
	TunnelConfig string
	// ConfigPath is where the controller configuration is written for
	// hooks and units to read.
	ConfigPath string
	// AdvertisedHost and AdvertisedPort are announced to peers.
	AdvertisedHost string
	AdvertisedPort uint16
	// BypassHost, when set, is always reached outside the tunnel.
	BypassHost net.IP
	// DNS, when set, is resolved through the tunnel.
	DNS net.IP
	// Version is recorded in the install state.
	Version string
}

// Complete fills unset fields from the tunnel's peer config: the advertised
// host from the peer endpoint, the advertised port from the forwarded port
// and the DNS server from the interface section.
func (e *Environment) Complete(pc tunnel.PeerConfig) {
	if e.AdvertisedHost == "" {
		e.AdvertisedHost = pc.EndpointHost
	}
	if e.AdvertisedPort == 0 {
		e.AdvertisedPort = pc.VPNPort
	}
	if e.DNS == nil {
		e.DNS = pc.DNS
	}
}

// serviceUnitRe is the systemd unit name grammar restricted to services.
var serviceUnitRe = regexp.MustCompile(`^[A-Za-z0-9:_.@\\-]+\.service$`)

// Validate checks every field. It runs before anything privileged.
func (e Environment) Validate() error {
	if _, err := svcconf.ParseVariant(string(e.Variant)); err != nil {
		return err
	}
	if !serviceUnitRe.MatchString(e.ServiceUnit) {
		return steps.Invalid("service unit %q must be a .service unit name", e.ServiceUnit)
	}
	for _, p := range []struct{ name, path string }{
		{"service config", e.ServiceConfig},
		{"tunnel config", e.TunnelConfig},
		{"config path", e.ConfigPath},
	} {
		if !filepath.IsAbs(p.path) {
			return steps.Invalid("%s %q must be an absolute path", p.name, p.path)
		}
		if strings.IndexFunc(p.path, unicode.IsControl) >= 0 {
			return steps.Invalid("%s %q contains control characters", p.name, p.path)
		}
	}
	if err := svcconf.ValidateHost(e.AdvertisedHost); err != nil {
		return err
	}
	if e.AdvertisedPort == 0 {
		return steps.Invalid("advertised port is required; set it or add #VPNPort to the tunnel config")
	}
	if e.BypassHost != nil && e.BypassHost.To4() == nil {
		return steps.Invalid("bypass host %s is not an IPv4 address", e.BypassHost)
	}
	if e.DNS != nil && e.DNS.To4() == nil {
		return steps.Invalid("dns server %s is not an IPv4 address", e.DNS)
	}
	return nil
}
