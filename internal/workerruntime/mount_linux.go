//go:build linux

package workerruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// MakeRootPrivate implements §4.2 step 2: mark the root mount private so
// later mount events do not propagate to the host's mount namespace.
func MakeRootPrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("mark root private: %w", err)
	}
	return nil
}

// ApplyBindMounts implements §4.2 step 3: for each configured mount
// source, mirror it under scratchDir and bind-mount it.
func ApplyBindMounts(scratchDir string, mounts []MountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec: %+v", m)
		}
		target := filepath.Join(scratchDir, m.Target)
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Source, err)
		}
	}
	return nil
}

// BindMountBinaryDir bind-mounts the UDF binary's containing directory,
// read-only, per §4.2 step 6.
func BindMountBinaryDir(binaryPath string) error {
	dir := filepath.Dir(binaryPath)
	if err := unix.Mount(dir, dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount binary dir: %w", err)
	}
	if err := unix.Mount("", dir, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount binary dir ro: %w", err)
	}
	return nil
}

// RemountReadOnly implements the read-only remount half of §4.2 step 6 for
// every configured mount. It runs after PivotRoot/DetachOldRoot, so the new
// root is already "/" and each mount now lives at m.Target directly rather
// than under the scratch dir.
func RemountReadOnly(mounts []MountSpec) error {
	for _, m := range mounts {
		if !m.ReadOnly {
			continue
		}
		if err := unix.Mount("", m.Target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount %s readonly: %w", m.Target, err)
		}
	}
	return nil
}

// BinaryPathInNewRoot converts the pre-pivot absolute binaryPath (rooted
// under scratchDir, as written by the worker pool) into the path it
// resolves to once PivotRoot has made scratchDir the new "/". Must be
// computed before or after the pivot — it is a pure string rewrite — but
// used only once the new root is in effect.
func BinaryPathInNewRoot(scratchDir, binaryPath string) string {
	rel := strings.TrimPrefix(binaryPath, scratchDir)
	return filepath.Join("/", rel)
}

// SelfBindForPivot implements §4.2 step 4: bind-mount the scratch
// directory over itself, recursively then as a private slave, so
// pivot_root will accept it as a new root.
func SelfBindForPivot(scratchDir string) error {
	if err := unix.Mount(scratchDir, scratchDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("self bind mount scratch dir: %w", err)
	}
	if err := unix.Mount("", scratchDir, "", unix.MS_REC|unix.MS_SLAVE, ""); err != nil {
		return fmt.Errorf("mark scratch dir slave: %w", err)
	}
	return nil
}

// PivotRoot implements §4.2 step 5: create pivot/ inside scratchDir and
// pivot-root into it.
func PivotRoot(scratchDir string) error {
	oldRoot := filepath.Join(scratchDir, "pivot")
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir pivot dir: %w", err)
	}
	if err := unix.PivotRoot(scratchDir, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	return nil
}

// DetachOldRoot implements §4.2 step 6's chdir + detach: chdir("/"),
// lazily unmount the old root at /pivot, then remove the now-empty
// mountpoint.
func DetachOldRoot() error {
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	if err := unix.Unmount("/pivot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	if err := os.RemoveAll("/pivot"); err != nil {
		return fmt.Errorf("remove old root mountpoint: %w", err)
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source %s: %w", source, err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return f.Close()
}
