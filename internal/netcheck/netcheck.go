// Package netcheck probes whether the advertised service endpoint accepts
// TCP connections.
package netcheck

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Address   string
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Prober dials TCP endpoints with a bounded timeout.
type Prober struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewProber returns a Prober giving up after timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{timeout: timeout}
}

// Probe dials host:port once. Unreachability is reported in the Result,
// not as an error; the error return is for invalid input only.
func (p *Prober) Probe(ctx context.Context, host string, port uint16) (Result, error) {
	if host == "" || port == 0 {
		return Result{}, fmt.Errorf("netcheck: probe: host and port are required")
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	res := Result{Address: addr, Latency: time.Since(start)}
	if err != nil {
		res.Err = err
		return res, nil
	}
	conn.Close()
	res.Reachable = true
	return res, nil
}
