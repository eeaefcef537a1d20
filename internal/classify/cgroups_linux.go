//go:build linux

package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/plexsphere/splitwg/internal/steps"
)

// DefaultCgroupRoot is where cgroup controllers are mounted.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// CgroupFS implements Backend on the cgroup v1 net_cls controller.
type CgroupFS struct {
	root   string
	logger *slog.Logger
}

// NewCgroupFS returns a Backend rooted at root (DefaultCgroupRoot when empty).
func NewCgroupFS(root string, logger *slog.Logger) *CgroupFS {
	if root == "" {
		root = DefaultCgroupRoot
	}
	return &CgroupFS{
		root:   root,
		logger: logger.With("component", "cgroupfs"),
	}
}

func (c *CgroupFS) hierarchy() ([]cgroups.Subsystem, error) {
	return []cgroups.Subsystem{cgroups.NewNetCls(c.root)}, nil
}

func (c *CgroupFS) controllerDir() string {
	return filepath.Join(c.root, string(cgroups.NetCLS))
}

// ensureMounted mounts the net_cls v1 controller when the host has not,
// as on unified cgroup v2 systems.
func (c *CgroupFS) ensureMounted() error {
	dir := c.controllerDir()
	if _, err := os.Stat(filepath.Join(dir, "net_cls.classid")); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := unix.Mount("net_cls", dir, "cgroup", 0, "net_cls"); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil
		}
		return fmt.Errorf("mount net_cls at %s: %w", dir, err)
	}
	c.logger.Info("net_cls controller mounted", "path", dir)
	return nil
}

func (c *CgroupFS) load(name string) (cgroups.Cgroup, error) {
	cg, err := cgroups.Load(c.hierarchy, cgroups.StaticPath("/"+name))
	if err != nil {
		if errors.Is(err, cgroups.ErrCgroupDeleted) || errors.Is(err, os.ErrNotExist) {
			return nil, steps.Absent("cgroup net_cls:/" + name)
		}
		return nil, err
	}
	return cg, nil
}

// Ensure creates the group and writes its class ID.
func (c *CgroupFS) Ensure(name string, classID uint32) error {
	if err := c.ensureMounted(); err != nil {
		return err
	}
	id := classID
	_, err := cgroups.New(c.hierarchy, cgroups.StaticPath("/"+name), &specs.LinuxResources{
		Network: &specs.LinuxNetwork{ClassID: &id},
	})
	return err
}

// Add moves pid into the group.
func (c *CgroupFS) Add(name string, pid int) error {
	cg, err := c.load(name)
	if err != nil {
		return err
	}
	return cg.Add(cgroups.Process{Pid: pid}, cgroups.NetCLS)
}

// Members returns the sorted PIDs in the group.
func (c *CgroupFS) Members(name string) ([]int, error) {
	cg, err := c.load(name)
	if err != nil {
		return nil, err
	}
	procs, err := cg.Processes(cgroups.NetCLS, false)
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Delete removes the group. The kernel refuses while it has members.
func (c *CgroupFS) Delete(name string) error {
	cg, err := c.load(name)
	if err != nil {
		return err
	}
	return cg.Delete()
}
