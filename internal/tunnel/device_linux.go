//go:build linux

package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/plexsphere/splitwg/internal/steps"
)

// Kernel reads tunnel link state through netlink and wgctrl.
type Kernel struct{}

// NewKernel returns a Kernel.
func NewKernel() *Kernel {
	return &Kernel{}
}

// DetectAddress returns the first IPv4 address of the named link. A missing
// link is reported as steps.ErrResourceAbsent.
func (k *Kernel) DetectAddress(name string) (net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, steps.Absent("link " + name)
		}
		return nil, fmt.Errorf("tunnel: detect address: %w", err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("tunnel: detect address: list %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IP.To4() != nil {
			return a.IP.To4(), nil
		}
	}
	return nil, steps.Undetected("no IPv4 address on %s", name)
}

// Device returns the WireGuard peer state of the named device.
func (k *Kernel) Device(name string) (DeviceStatus, error) {
	client, err := wgctrl.New()
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("tunnel: device: open wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DeviceStatus{}, steps.Absent("wireguard device " + name)
		}
		return DeviceStatus{}, fmt.Errorf("tunnel: device %s: %w", name, err)
	}
	var st DeviceStatus
	if len(dev.Peers) > 0 {
		p := dev.Peers[0]
		if p.Endpoint != nil {
			st.Endpoint = p.Endpoint.String()
		}
		st.LastHandshake = p.LastHandshakeTime
		st.RxBytes = p.ReceiveBytes
		st.TxBytes = p.TransmitBytes
	}
	return st, nil
}
