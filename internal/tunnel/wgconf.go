package tunnel

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/plexsphere/splitwg/internal/steps"
)

// Markers delimiting the controller's block in the tunnel config.
const (
	HooksBeginMarker = "# splitwg:hooks:begin"
	HooksEndMarker   = "# splitwg:hooks:end"
)

// legacyPatterns match hook lines written by earlier releases, which did
// not use the current markers.
var legacyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#\s*(splitwg|split-wg)[:_-]?(hooks[:_-]?)?(begin|end|start|stop)\b`),
	regexp.MustCompile(`^(PreUp|PostUp|PreDown|PostDown)\s*=.*\b(splitwg|cgcreate|cgexec|net_cls)\b`),
	regexp.MustCompile(`^(PreUp|PostUp|PreDown|PostDown)\s*=.*\bnft\b.*\bsplitwg`),
	regexp.MustCompile(`^(PreUp|PostUp|PreDown|PostDown)\s*=.*\bip\s+(-4\s+)?rule\s+(add|del)\b.*\b(fwmark|table)\b`),
	regexp.MustCompile(`^(PreUp|PostUp|PreDown|PostDown)\s*=.*\bip\s+(-4\s+)?route\s+(add|del|replace|flush)\b.*\btable\b`),
}

// RenderBlock renders hooks between the markers. Table = off keeps
// wg-quick from installing routes of its own.
func RenderBlock(h Hooks) []byte {
	var b bytes.Buffer
	b.WriteString(HooksBeginMarker + "\n")
	b.WriteString("Table = off\n")
	for _, op := range h.Up {
		fmt.Fprintf(&b, "PostUp = %s\n", op)
	}
	for _, op := range h.Down {
		fmt.Fprintf(&b, "PreDown = %s\n", op)
	}
	b.WriteString(HooksEndMarker + "\n")
	return b.Bytes()
}

// StripHooks removes the marked block and any legacy hook lines.
func StripHooks(data []byte) []byte {
	var out []string
	inBlock := false
	for _, line := range splitLines(data) {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == HooksBeginMarker:
			inBlock = true
			continue
		case trimmed == HooksEndMarker:
			inBlock = false
			continue
		case inBlock:
			continue
		}
		if isLegacy(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return joinLines(out)
}

// HasHooks reports whether data contains the marked block.
func HasHooks(data []byte) bool {
	for _, line := range splitLines(data) {
		if strings.TrimSpace(line) == HooksBeginMarker {
			return true
		}
	}
	return false
}

func isLegacy(line string) bool {
	for _, re := range legacyPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// InjectHooks inserts block at the end of the [Interface] section.
func InjectHooks(data, block []byte) ([]byte, error) {
	lines := splitLines(data)
	start := -1
	for i, line := range lines {
		if sectionName(line) == "interface" {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, steps.Invalid("tunnel config has no [Interface] section")
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if sectionName(lines[i]) != "" {
			end = i
			break
		}
	}
	// Trailing blank lines stay after the block.
	insert := end
	for insert > start+1 && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}

	out := make([]string, 0, len(lines)+8)
	out = append(out, lines[:insert]...)
	out = append(out, splitLines(block)...)
	rest := lines[insert:]
	if end < len(lines) && insert == end {
		out = append(out, "")
	}
	out = append(out, rest...)
	return joinLines(out), nil
}

// PeerConfig holds the parts of a wg-quick config the controller needs.
type PeerConfig struct {
	// Address is the first IPv4 interface address.
	Address net.IP
	// DNS is the first IPv4 DNS server, if any.
	DNS          net.IP
	EndpointHost string
	EndpointPort uint16
	// VPNPort is the port forwarded by the VPN provider to the protected
	// service, from a "#VPNPort = N" line.
	VPNPort uint16
}

var vpnPortRe = regexp.MustCompile(`^#\s*VPNPort\s*=\s*(\d+)\s*$`)

// ParsePeerConfig extracts the interface address, DNS, peer endpoint and
// forwarded port from a wg-quick config.
func ParsePeerConfig(data []byte) (PeerConfig, error) {
	var pc PeerConfig
	section := ""
	for _, line := range splitLines(data) {
		trimmed := strings.TrimSpace(line)
		if m := vpnPortRe.FindStringSubmatch(trimmed); m != nil {
			port, err := strconv.ParseUint(m[1], 10, 16)
			if err != nil || port == 0 {
				return PeerConfig{}, steps.Invalid("VPNPort %q out of range", m[1])
			}
			pc.VPNPort = uint16(port)
			continue
		}
		if name := sectionName(trimmed); name != "" {
			section = name
			continue
		}
		key, value, ok := keyValue(trimmed)
		if !ok {
			continue
		}
		switch {
		case section == "interface" && key == "address" && pc.Address == nil:
			pc.Address = firstIPv4(value)
		case section == "interface" && key == "dns" && pc.DNS == nil:
			pc.DNS = firstIPv4(value)
		case section == "peer" && key == "endpoint" && pc.EndpointHost == "":
			host, port, err := net.SplitHostPort(value)
			if err != nil {
				return PeerConfig{}, steps.Invalid("endpoint %q: %v", value, err)
			}
			p, err := strconv.ParseUint(port, 10, 16)
			if err != nil {
				return PeerConfig{}, steps.Invalid("endpoint port %q: %v", port, err)
			}
			pc.EndpointHost, pc.EndpointPort = host, uint16(p)
		}
	}
	if pc.Address == nil {
		return PeerConfig{}, steps.Invalid("tunnel config has no IPv4 Address")
	}
	if pc.EndpointHost == "" {
		return PeerConfig{}, steps.Invalid("tunnel config has no peer Endpoint")
	}
	return pc, nil
}

func firstIPv4(list string) net.IP {
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if ip, _, err := net.ParseCIDR(item); err == nil {
			item = ip.String()
		}
		if ip := net.ParseIP(item); ip != nil && ip.To4() != nil {
			return ip.To4()
		}
	}
	return nil
}

func sectionName(line string) string {
	line = strings.TrimSpace(line)
	if len(line) < 3 || line[0] != '[' || line[len(line)-1] != ']' {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
}

func keyValue(line string) (string, string, bool) {
	if line == "" || line[0] == '#' || line[0] == ';' {
		return "", "", false
	}
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v), true
}

// splitLines has no line length limit so that rewriting a config never
// truncates it.
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

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}
