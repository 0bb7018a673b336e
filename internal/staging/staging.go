// Package staging names and discovers the staging directories an apply run
// builds its output in before the final rename.
//
// For an output path /work/mono the staging directory is a sibling named
// /work/mono.staging-<8 hex> and its operation log is the sibling file
// /work/mono.staging-<8 hex>.ops.jsonl.
package staging

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	// Infix separates the output base name from the nonce.
	Infix = ".staging-"

	// LogSuffix is appended to a staging directory path to name its log.
	LogSuffix = ".ops.jsonl"

	nonceBytes = 4
)

var nonceRE = regexp.MustCompile(`^[0-9a-f]{8}$`)

// ComputePath returns a fresh staging path for outputPath.
func ComputePath(outputPath string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate staging nonce: %w", err)
	}
	return filepath.Clean(outputPath) + Infix + hex.EncodeToString(buf), nil
}

// LogPath returns the operation log path for a staging directory.
func LogPath(stagingDir string) string {
	return stagingDir + LogSuffix
}

// IsStagingName reports whether name is exactly a staging directory name for
// outputPath's base name.
func IsStagingName(outputPath, name string) bool {
	base := filepath.Base(filepath.Clean(outputPath))
	prefix := base + Infix
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	return nonceRE.MatchString(name[len(prefix):])
}

// Find returns every existing staging directory for outputPath, sorted.
// A missing parent directory yields no results.
func Find(outputPath string) ([]string, error) {
	parent := filepath.Dir(filepath.Clean(outputPath))
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan for staging directories: %w", err)
	}

	var found []string
	for _, e := range entries {
		if !e.IsDir() || !IsStagingName(outputPath, e.Name()) {
			continue
		}
		found = append(found, filepath.Join(parent, e.Name()))
	}
	sort.Strings(found)
	return found, nil
}

// FindOrphanLogs returns operation logs for outputPath whose staging
// directory no longer exists.
func FindOrphanLogs(outputPath string) ([]string, error) {
	parent := filepath.Dir(filepath.Clean(outputPath))
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan for operation logs: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, LogSuffix) {
			continue
		}
		dirName := strings.TrimSuffix(name, LogSuffix)
		if !IsStagingName(outputPath, dirName) {
			continue
		}
		if _, err := os.Lstat(filepath.Join(parent, dirName)); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat staging directory: %w", err)
		}
		orphans = append(orphans, filepath.Join(parent, name))
	}
	sort.Strings(orphans)
	return orphans, nil
}
