package browser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// lockFiles are left behind by Chromium when it dies holding a profile.
var lockFiles = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

// ReapProfile kills any process still launched with profileDir as its
// user data directory and removes the profile lock files.
func ReapProfile(profileDir string) error {
	killErr := killProfileProcesses(profileDir)
	lockErr := RemoveLockFiles(profileDir)
	return errors.Join(killErr, lockErr)
}

// RemoveLockFiles deletes Chromium singleton lock artifacts. They are
// usually dangling symlinks, so Lstat is used instead of Stat.
func RemoveLockFiles(profileDir string) error {
	var errs []error
	for _, name := range lockFiles {
		path := filepath.Join(profileDir, name)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func killProfileProcesses(profileDir string) error {
	procs, err := process.Processes()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		args, err := proc.CmdlineSlice()
		if err != nil || !usesProfile(args, profileDir) {
			continue
		}
		if proc.Kill() == nil {
			killed++
		}
	}
	if killed > 0 {
		time.Sleep(time.Second)
	}
	return nil
}

// usesProfile reports whether args launch a browser on exactly profileDir.
func usesProfile(args []string, profileDir string) bool {
	const flag = "--user-data-dir"
	for i, arg := range args {
		if arg == flag+"="+profileDir {
			return true
		}
		if arg == flag && i+1 < len(args) && args[i+1] == profileDir {
			return true
		}
	}
	return false
}

// profilePath joins rel onto the profile directory and refuses paths that
// would escape it.
func profilePath(profileDir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("clear path %q must be relative", rel)
	}
	path := filepath.Join(profileDir, rel)
	if path == profileDir || !strings.HasPrefix(path, profileDir+string(filepath.Separator)) {
		return "", fmt.Errorf("clear path %q escapes profile directory", rel)
	}
	return path, nil
}
