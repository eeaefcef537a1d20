package svcconf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plexsphere/splitwg/internal/fsutil"
	"github.com/plexsphere/splitwg/internal/steps"
)

// Editor patches a protected config file in place and keeps one backup per
// install lifetime in a private directory.
type Editor struct {
	backupDir string
	logger    *slog.Logger
}

// NewEditor returns an Editor storing backups under backupDir.
func NewEditor(backupDir string, logger *slog.Logger) *Editor {
	return &Editor{
		backupDir: backupDir,
		logger:    logger.With("component", "svcconf"),
	}
}

// BackupPath returns where the backup of configPath is kept.
func (e *Editor) BackupPath(configPath string) string {
	return filepath.Join(e.backupDir, filepath.Base(configPath)+".orig")
}

// Backup copies configPath to its backup location unless a backup already
// exists. It reports whether a new backup was taken.
func (e *Editor) Backup(configPath string) (bool, error) {
	created, err := fsutil.CopyFileExclusive(configPath, e.BackupPath(configPath), 0o600)
	if errors.Is(err, os.ErrNotExist) {
		return false, steps.Undetected("protected config %s does not exist", configPath)
	}
	if err != nil {
		return false, fmt.Errorf("svcconf: backup %s: %w", configPath, err)
	}
	if created {
		e.logger.Info("config backup taken", "config", configPath, "backup", e.BackupPath(configPath))
	} else {
		e.logger.Debug("config backup already present, keeping it", "backup", e.BackupPath(configPath))
	}
	return created, nil
}

// Apply patches configPath with the managed block for variant v.
func (e *Editor) Apply(configPath string, v Variant, s Settings) error {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return steps.Undetected("protected config %s does not exist", configPath)
	}
	if err != nil {
		return fmt.Errorf("svcconf: read %s: %w", configPath, err)
	}
	patched, err := Patch(data, v, s)
	if err != nil {
		return err
	}
	if string(patched) == string(data) {
		e.logger.Debug("protected config already patched", "config", configPath)
		return nil
	}
	if err := fsutil.ReplaceFile(configPath, patched); err != nil {
		return fmt.Errorf("svcconf: write %s: %w", configPath, err)
	}
	e.logger.Info("protected config patched", "config", configPath, "variant", string(v))
	return nil
}

// Restore copies the backup over configPath and deletes the backup. It
// reports false with a nil error when no backup exists.
func (e *Editor) Restore(configPath string) (bool, error) {
	backup := e.BackupPath(configPath)
	data, err := os.ReadFile(backup)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("svcconf: read backup: %w", err)
	}

	if ok, _ := fsutil.Exists(configPath); ok {
		err = fsutil.ReplaceFile(configPath, data)
	} else {
		err = fsutil.WritePathAtomic(configPath, data, 0o640)
	}
	if err != nil {
		return false, fmt.Errorf("svcconf: restore %s: %w", configPath, err)
	}
	if _, err := fsutil.RemoveIfExists(backup); err != nil {
		return true, fmt.Errorf("svcconf: remove backup: %w", err)
	}
	e.logger.Info("protected config restored from backup", "config", configPath)
	return true, nil
}
