// Package artifacts manages the per-job on-disk layout the external
// data-movement CLI reads from and writes to (spec.md §6): a job's
// script, its node list, and the paths/env values reported back by
// setup/paths, all rooted under a hashed subdirectory so a single
// directory never accumulates one entry per job.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const hashBuckets = 10

// JobDir returns the directory a job's artifacts live under, without
// creating it.
func JobDir(stateSaveDir string, jobID uint32) string {
	return filepath.Join(stateSaveDir, fmt.Sprintf("hash.%d", jobID%hashBuckets), fmt.Sprintf("job.%d", jobID))
}

// EnsureJobDir creates a job's artifact directory if it does not
// already exist and returns its path.
func EnsureJobDir(stateSaveDir string, jobID uint32) (string, error) {
	dir := JobDir(stateSaveDir, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteScript writes a job's script body and returns its path.
func WriteScript(dir, body string) (string, error) {
	path := filepath.Join(dir, "script")
	return path, os.WriteFile(path, []byte(body), 0o600)
}

// WriteNIDList writes a job's node list, one entry per line, using
// either hostnames or numeric node ids depending on the site's
// configured flavor (spec.md §6, the original's build-time
// hostname-vs-nid distinction made a runtime config switch).
func WriteNIDList(dir string, hostnames bool, nodes []string) (string, error) {
	name := "client_nids"
	if !hostnames {
		name = "client_nidlist"
	}
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte(strings.Join(nodes, "\n")+"\n"), 0o600)
}

// PathFilePath returns the path of the fixed-name "pathfile" artifact
// the `paths` function writes and `pre_run` reads (spec.md §6).
func PathFilePath(dir string) string {
	return filepath.Join(dir, "pathfile")
}

// ReadPathFile reads and parses the "pathfile" artifact written by
// paths, in the same KEY=VALUE-per-line shape as its stdout.
func ReadPathFile(dir string) (map[string]string, error) {
	data, err := os.ReadFile(PathFilePath(dir))
	if err != nil {
		return nil, err
	}
	return ParseKeyValueLines(string(data)), nil
}

// RemoveJobDir deletes a job's entire artifact directory. Called on
// teardown-complete; safe to call even if the directory was never created.
func RemoveJobDir(stateSaveDir string, jobID uint32) error {
	return os.RemoveAll(JobDir(stateSaveDir, jobID))
}

// ParseKeyValueLines parses "KEY=VALUE" lines such as the paths
// function's stdout, ignoring blank lines and lines without an '='.
func ParseKeyValueLines(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		out[line[:eq]] = line[eq+1:]
	}
	return out
}

// StaleJobDirs lists job directories under stateSaveDir whose job id
// is not present in live, for the agent's on-disk artifact GC pass
// (spec.md §4.4, §6). Malformed directory names are skipped rather
// than treated as an error, since an operator may have left unrelated
// files under the state save directory.
func StaleJobDirs(stateSaveDir string, live map[uint32]bool) ([]string, error) {
	var stale []string
	for b := 0; b < hashBuckets; b++ {
		bucketDir := filepath.Join(stateSaveDir, fmt.Sprintf("hash.%d", b))
		entries, err := os.ReadDir(bucketDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job.") {
				continue
			}
			id, err := strconv.ParseUint(strings.TrimPrefix(entry.Name(), "job."), 10, 32)
			if err != nil {
				continue
			}
			if !live[uint32(id)] {
				stale = append(stale, filepath.Join(bucketDir, entry.Name()))
			}
		}
	}
	return stale, nil
}
