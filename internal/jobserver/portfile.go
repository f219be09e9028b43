// Port-file discovery: each job server writes its two listening ports
// under a per-PID path so a detached CLI can find it again, and leaves
// a ".smak.connect" symlink in the project root pointing at the same
// file (spec.md §4.5/§6).
package jobserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// PortFilePath returns the per-PID discovery file path for pid.
func PortFilePath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("smak-jobserver-%d.port", pid))
}

// WritePortFile writes master and observer ports, one per line, and
// symlinks projectRoot/.smak.connect to it.
func WritePortFile(pid, masterPort, observerPort int, projectRoot string) (string, error) {
	path := PortFilePath(pid)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n%d\n", masterPort, observerPort); err != nil {
		return "", err
	}

	if projectRoot != "" {
		link := filepath.Join(projectRoot, ".smak.connect")
		os.Remove(link) // best effort; a stale symlink from a dead server shouldn't block us
		_ = os.Symlink(path, link)
	}
	return path, nil
}

// RemovePortFile unlinks the discovery file on graceful shutdown.
func RemovePortFile(pid int) {
	os.Remove(PortFilePath(pid))
}

// ReadPortFile reads back the master/observer ports written by
// WritePortFile, for a CLI doing discovery against a running PID.
func ReadPortFile(pid int) (masterPort, observerPort int, err error) {
	f, err := os.Open(PortFilePath(pid))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("jobserver: %s: missing master port line", PortFilePath(pid))
	}
	masterPort, err = strconv.Atoi(scanner.Text())
	if err != nil {
		return 0, 0, err
	}
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("jobserver: %s: missing observer port line", PortFilePath(pid))
	}
	observerPort, err = strconv.Atoi(scanner.Text())
	return masterPort, observerPort, err
}

// DiscoverAll lists discoverable job servers by scanning os.TempDir()
// for "smak-jobserver-*.port" files and returns their PIDs. The port
// file records no working directory, so none is reported.
func DiscoverAll() ([]int, error) {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		var pid int
		if _, err := fmt.Sscanf(e.Name(), "smak-jobserver-%d.port", &pid); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
