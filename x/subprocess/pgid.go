package subprocess

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePGIDFile atomically records pgid at path.
func WritePGIDFile(path string, pgid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pgid dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pgid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pgid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename pgid file: %w", err)
	}
	return nil
}

// ReadPGIDFile returns the process group recorded at path.
func ReadPGIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pgid file %s: %w", path, err)
	}
	// 0 and 1 would address our own group or init.
	if pgid <= 1 {
		return 0, fmt.Errorf("pgid file %s holds invalid group %d", path, pgid)
	}
	return pgid, nil
}

// KillGroupFromFile force-kills the group recorded at path and removes the
// file. A missing file means the owner already cleaned up and is not an error.
// It reports whether a live group was signalled.
func KillGroupFromFile(path string) (bool, error) {
	pgid, err := ReadPGIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer removePGIDFile(path)

	if err := signalGroup(pgid, true); err != nil {
		if isNoSuchProcess(err) {
			return false, nil
		}
		return false, fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	return true, nil
}

// GroupAlive reports whether any process still belongs to pgid.
func GroupAlive(pgid int) bool {
	return groupAlive(pgid)
}

func removePGIDFile(path string) {
	_ = os.Remove(path)
}
