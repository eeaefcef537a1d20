package packaging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/plexsphere/splitwg/internal/fsutil"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Installer writes and removes the controller's unit files and drop-ins and
// installs its binary.
type Installer struct {
	cfg     UnitConfig
	systemd SystemdController
	root    RootChecker
	logger  *slog.Logger
}

// NewInstaller creates a new Installer with defaults applied.
func NewInstaller(cfg UnitConfig, systemd SystemdController, root RootChecker, logger *slog.Logger) *Installer {
	cfg.ApplyDefaults()
	return &Installer{
		cfg:     cfg,
		systemd: systemd,
		root:    root,
		logger:  logger.With("component", "packaging"),
	}
}

// Config returns the effective unit configuration.
func (ins *Installer) Config() UnitConfig {
	return ins.cfg
}

// Systemd returns the service manager the installer drives.
func (ins *Installer) Systemd() SystemdController {
	return ins.systemd
}

// Preflight checks for root privileges and a usable systemd.
func (ins *Installer) Preflight() error {
	if !ins.root.IsRoot() {
		return steps.Invalid("install requires root privileges")
	}
	if !ins.systemd.IsAvailable() {
		return steps.Undetected("systemd is not available")
	}
	return nil
}

// UnitPath returns the path of the named unit file.
func (ins *Installer) UnitPath(name string) string {
	return filepath.Join(ins.cfg.UnitDir, name)
}

// DropInPath returns the path of the controller drop-in for service.
func (ins *Installer) DropInPath(service string) string {
	return ins.namedDropInPath(service, ins.cfg.DropInName)
}

func (ins *Installer) namedDropInPath(service, name string) string {
	return filepath.Join(ins.cfg.UnitDir, service+".d", name)
}

// WriteUnit renders opts and writes them to the named unit file.
func (ins *Installer) WriteUnit(name string, opts []*unit.UnitOption) error {
	return ins.write(ins.UnitPath(name), opts)
}

// RemoveUnit removes the named unit file. A missing file wraps
// steps.ErrResourceAbsent.
func (ins *Installer) RemoveUnit(name string) error {
	return ins.remove(ins.UnitPath(name))
}

// WriteDropIn writes the controller drop-in for service.
func (ins *Installer) WriteDropIn(service string, opts []*unit.UnitOption) error {
	return ins.write(ins.DropInPath(service), opts)
}

// RemoveDropIn removes the controller drop-in for service.
func (ins *Installer) RemoveDropIn(service string) error {
	return ins.removeDropIn(service, ins.cfg.DropInName)
}

// RemoveNamedDropIn removes a drop-in with a specific file name, used for
// drop-ins written by earlier releases.
func (ins *Installer) RemoveNamedDropIn(service, name string) error {
	return ins.removeDropIn(service, name)
}

func (ins *Installer) removeDropIn(service, name string) error {
	path := ins.namedDropInPath(service, name)
	if err := ins.remove(path); err != nil {
		return err
	}
	// The directory is only removed when nothing else lives there.
	if err := os.Remove(filepath.Dir(path)); err == nil {
		ins.logger.Debug("drop-in directory removed", "path", filepath.Dir(path))
	}
	return nil
}

func (ins *Installer) write(path string, opts []*unit.UnitOption) error {
	content, err := Render(opts)
	if err != nil {
		return fmt.Errorf("packaging: render %s: %w", filepath.Base(path), err)
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == content {
		ins.logger.Debug("unit file unchanged", "path", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("packaging: create unit file directory: %w", err)
	}
	if err := fsutil.WritePathAtomic(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("packaging: write %s: %w", path, err)
	}
	ins.logger.Info("unit file written", "path", path)
	return nil
}

func (ins *Installer) remove(path string) error {
	removed, err := fsutil.RemoveIfExists(path)
	if err != nil {
		return fmt.Errorf("packaging: remove %s: %w", path, err)
	}
	if !removed {
		return steps.Absent(path)
	}
	ins.logger.Info("unit file removed", "path", path)
	return nil
}

// InstallBinary copies the running executable to the configured binary
// path so that units and tunnel hooks can invoke it.
func (ins *Installer) InstallBinary() error {
	srcPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("packaging: resolve executable path: %w", err)
	}
	srcPath, err = filepath.EvalSymlinks(srcPath)
	if err != nil {
		return fmt.Errorf("packaging: resolve symlinks: %w", err)
	}
	return ins.copyBinary(srcPath)
}

func (ins *Installer) copyBinary(srcPath string) error {
	dstPath := ins.cfg.BinaryPath
	if resolved, err := filepath.EvalSymlinks(dstPath); err == nil && resolved == srcPath {
		ins.logger.Debug("binary already at install path, skipping copy", "path", dstPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("packaging: create binary directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("packaging: open source binary: %w", err)
	}
	defer src.Close()

	// A running copy must never be truncated in place.
	tmpPath := dstPath + ".new"
	dst, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("packaging: create destination binary: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("packaging: copy binary: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("packaging: copy binary: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("packaging: install binary: %w", err)
	}

	ins.logger.Info("binary installed", "src", srcPath, "dst", dstPath)
	return nil
}
