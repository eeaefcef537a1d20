package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleState() InstallState {
	return InstallState{
		Platform:       "debian",
		Variant:        "lnd",
		ServiceUnit:    "lnd.service",
		ServiceConfig:  "/home/lnd/.lnd/lnd.conf",
		TunnelConfig:   "/etc/wireguard/wg0.conf",
		AdvertisedHost: "203.0.113.7",
		AdvertisedPort: 39735,
		BypassHost:     "10.20.0.5",
		InstalledAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Version:        "v1.2.0",
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load()
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Load() = %v, want ErrNotInstalled", err)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "splitwg")
	s := NewStore(dir)
	want := sampleState()

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != 0o700 {
		t.Errorf("dir perm = %o, want 700", dirInfo.Mode().Perm())
	}
}

func TestStore_Delete(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save(sampleState()); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Load() after Delete = %v, want ErrNotInstalled", err)
	}
	if err := s.Delete(); err != nil {
		t.Errorf("Delete() twice = %v, want nil", err)
	}
}

func TestMarshal_Format(t *testing.T) {
	out := string(sampleState().Marshal())
	for _, line := range []string{
		"advertised_port=39735",
		"installed_at=2026-03-01T12:00:00Z",
		"variant=lnd",
		"bypass_host=10.20.0.5",
	} {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("Marshal() missing line %q in:\n%s", line, out)
		}
	}
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    InstallState
		wantErr bool
	}{
		{
			name:  "comments and unknown keys",
			input: "# header\n\nvariant = cln\nfuture_key=x\nadvertised_port=\n",
			want:  InstallState{Variant: "cln"},
		},
		{
			name:    "missing separator",
			input:   "variant\n",
			wantErr: true,
		},
		{
			name:    "bad port",
			input:   "advertised_port=70000\n",
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			input:   "installed_at=yesterday\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}
