// Package firewall owns the nftables table that marks classified traffic,
// blocks it from leaking past the tunnel and restricts inbound tunnel
// traffic to the service port.
package firewall

// TableName is the IPv4 nftables table holding every chain below.
const TableName = "splitwg"

// Chain names in evaluation order.
const (
	ChainRestoreMark   = "restore-mark"
	ChainSetMark       = "set-mark"
	ChainKillSwitch    = "killswitch"
	ChainTunnelIngress = "tunnel-ingress"
)

// ChainNames lists the owned chains in the order they are created.
var ChainNames = []string{ChainRestoreMark, ChainSetMark, ChainKillSwitch, ChainTunnelIngress}

// Family is an nftables address family as written by nft(8).
type Family string

// Supported families.
const (
	FamilyIPv4 Family = "ip"
	FamilyINet Family = "inet"
)

// PrivateRanges are the destinations classified traffic may reach without
// the tunnel.
var PrivateRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// commentPrefix prefixes the userdata comment identifying owned rules.
const commentPrefix = "splitwg:"
