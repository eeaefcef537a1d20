// Package state persists the install record. Its presence is the only signal
// that the controller is installed.
package state

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/plexsphere/splitwg/internal/fsutil"
)

const fileName = "install.state"

// ErrNotInstalled is returned by Load when no install record exists.
var ErrNotInstalled = errors.New("state: not installed")

// InstallState is the record written at the end of a successful install and
// read back by status, restart and uninstall instead of re-detecting.
type InstallState struct {
	Platform       string
	Variant        string
	ServiceUnit    string
	ServiceConfig  string
	TunnelConfig   string
	AdvertisedHost string
	AdvertisedPort uint16
	BypassHost     string
	InstalledAt    time.Time
	Version        string
}

// Marshal renders the record as sorted key=value lines.
func (s InstallState) Marshal() []byte {
	kv := map[string]string{
		"platform":        s.Platform,
		"variant":         s.Variant,
		"service_unit":    s.ServiceUnit,
		"service_config":  s.ServiceConfig,
		"tunnel_config":   s.TunnelConfig,
		"advertised_host": s.AdvertisedHost,
		"advertised_port": strconv.Itoa(int(s.AdvertisedPort)),
		"bypass_host":     s.BypassHost,
		"installed_at":    s.InstalledAt.UTC().Format(time.RFC3339),
		"version":         s.Version,
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("# splitwg install state\n")
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, kv[k])
	}
	return buf.Bytes()
}

// Unmarshal parses key=value lines. Blank lines, comments and unknown keys
// are ignored.
func Unmarshal(data []byte) (InstallState, error) {
	var s InstallState
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return InstallState{}, fmt.Errorf("state: line %d: missing '='", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "platform":
			s.Platform = value
		case "variant":
			s.Variant = value
		case "service_unit":
			s.ServiceUnit = value
		case "service_config":
			s.ServiceConfig = value
		case "tunnel_config":
			s.TunnelConfig = value
		case "advertised_host":
			s.AdvertisedHost = value
		case "advertised_port":
			if value == "" {
				continue
			}
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return InstallState{}, fmt.Errorf("state: line %d: advertised_port: %w", line, err)
			}
			s.AdvertisedPort = uint16(port)
		case "bypass_host":
			s.BypassHost = value
		case "installed_at":
			if value == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return InstallState{}, fmt.Errorf("state: line %d: installed_at: %w", line, err)
			}
			s.InstalledAt = ts
		case "version":
			s.Version = value
		}
	}
	if err := sc.Err(); err != nil {
		return InstallState{}, fmt.Errorf("state: scan: %w", err)
	}
	return s, nil
}

// Store reads and writes the install record under a private directory.
type Store struct {
	dir string
}

// NewStore returns a Store backed by dir/install.state.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the location of the install record.
func (s *Store) Path() string {
	return filepath.Join(s.dir, fileName)
}

// Load reads the install record. It returns ErrNotInstalled when no record
// exists.
func (s *Store) Load() (InstallState, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return InstallState{}, ErrNotInstalled
	}
	if err != nil {
		return InstallState{}, fmt.Errorf("state: read: %w", err)
	}
	return Unmarshal(data)
}

// Save atomically writes the install record with mode 0600.
func (s *Store) Save(st InstallState) error {
	if err := fsutil.WriteFileAtomic(s.dir, fileName, st.Marshal(), 0o600); err != nil {
		return fmt.Errorf("state: save: %w", err)
	}
	return nil
}

// Delete removes the install record. A missing record is not an error.
func (s *Store) Delete() error {
	if _, err := fsutil.RemoveIfExists(s.Path()); err != nil {
		return fmt.Errorf("state: delete: %w", err)
	}
	return nil
}
