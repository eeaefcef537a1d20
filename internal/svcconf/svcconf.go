// Package svcconf patches the protected service's key=value configuration
// file and keeps a single pristine backup of it.
package svcconf

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/plexsphere/splitwg/internal/steps"
)

// Block markers delimiting the controller-managed section.
const (
	BeginMarker = "# splitwg:begin"
	EndMarker   = "# splitwg:end"
)

// Variant identifies the protected service implementation.
type Variant string

const (
	// LND is the lnd daemon, configured through an INI-style lnd.conf.
	LND Variant = "lnd"
	// CLN is Core Lightning, configured through a flat key=value file.
	CLN Variant = "cln"
)

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case LND, CLN:
		return v, nil
	default:
		return "", steps.Invalid("unknown service variant %q", s)
	}
}

var managedKeys = map[Variant][]string{
	LND: {"listen", "externalhosts", "externalip", "tor.streamisolation", "tor.skip-proxy-for-clearnet-targets"},
	CLN: {"bind-addr", "announce-addr", "addr", "always-use-proxy"},
}

// ManagedKeys returns the keys the controller owns for variant v. Existing
// occurrences are removed before the managed block is appended.
func ManagedKeys(v Variant) []string {
	return append([]string(nil), managedKeys[v]...)
}

var hostnameRE = regexp.MustCompile(`^([A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)*[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidateHost accepts an IP address or a DNS hostname.
func ValidateHost(host string) error {
	if host == "" {
		return steps.Invalid("host is empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 || !hostnameRE.MatchString(host) {
		return steps.Invalid("invalid host %q", host)
	}
	return nil
}

// Settings are the values written into the managed block.
type Settings struct {
	// ListenPort is the local port the service binds on all addresses.
	ListenPort uint16
	// AdvertisedHost is the tunnel's public address announced to peers.
	AdvertisedHost string
	// AdvertisedPort is the public port forwarded by the tunnel provider.
	AdvertisedPort uint16
}

// Validate checks the settings before anything is written.
func (s Settings) Validate() error {
	if s.ListenPort == 0 {
		return steps.Invalid("listen port must be non-zero")
	}
	if s.AdvertisedPort == 0 {
		return steps.Invalid("advertised port must be non-zero")
	}
	return ValidateHost(s.AdvertisedHost)
}

func (s Settings) advertised() string {
	return net.JoinHostPort(s.AdvertisedHost, fmt.Sprint(s.AdvertisedPort))
}

// Block renders the managed block for variant v, markers included.
func Block(v Variant, s Settings) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(BeginMarker + "\n")
	switch v {
	case LND:
		b.WriteString("[Application Options]\n")
		fmt.Fprintf(&b, "listen=0.0.0.0:%d\n", s.ListenPort)
		fmt.Fprintf(&b, "externalhosts=%s\n", s.advertised())
		b.WriteString("\n[Tor]\n")
		b.WriteString("tor.streamisolation=false\n")
		b.WriteString("tor.skip-proxy-for-clearnet-targets=true\n")
	case CLN:
		fmt.Fprintf(&b, "bind-addr=0.0.0.0:%d\n", s.ListenPort)
		fmt.Fprintf(&b, "announce-addr=%s\n", s.advertised())
		b.WriteString("always-use-proxy=false\n")
	default:
		return nil, steps.Invalid("unknown service variant %q", v)
	}
	b.WriteString(EndMarker + "\n")
	return b.Bytes(), nil
}

// Strip removes the managed block and every managed key of variant v.
func Strip(data []byte, v Variant) []byte {
	keys := make(map[string]bool)
	for _, k := range managedKeys[v] {
		keys[k] = true
	}

	var out bytes.Buffer
	inBlock := false
	for _, line := range splitLines(data) {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == BeginMarker:
			inBlock = true
			continue
		case trimmed == EndMarker:
			inBlock = false
			continue
		case inBlock:
			continue
		}
		if key, _, ok := strings.Cut(trimmed, "="); ok && keys[strings.TrimSpace(key)] {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return bytes.TrimRight(out.Bytes(), "\n")
}

// splitLines splits data into lines without a line length limit. A
// trailing carriage return is dropped from each line.
func splitLines(data []byte) []string {
	s := strings.TrimSuffix(string(data), "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// HasBlock reports whether data contains the managed block.
func HasBlock(data []byte) bool {
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == BeginMarker {
			return true
		}
	}
	return false
}

// Patch strips any previous managed content and appends a fresh block.
// Applying Patch to its own output yields the same bytes.
func Patch(data []byte, v Variant, s Settings) ([]byte, error) {
	block, err := Block(v, s)
	if err != nil {
		return nil, err
	}
	base := Strip(data, v)
	var out bytes.Buffer
	if len(base) > 0 {
		out.Write(base)
		out.WriteString("\n\n")
	}
	out.Write(block)
	return out.Bytes(), nil
}
