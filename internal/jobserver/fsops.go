package jobserver

import (
	"os"
	"time"
)

// touchFile and removeFile back the control protocol's TOUCH/RM
// commands (spec.md §4.8 "Builtin filesystem ops"), run directly by
// the server rather than routed through a worker since they're a
// synchronous request/response, not a queued job.
func touchFile(path string, at time.Time) error {
	if err := os.Chtimes(path, at, at); err != nil {
		if os.IsNotExist(err) {
			f, cerr := os.Create(path)
			if cerr != nil {
				return cerr
			}
			return f.Close()
		}
		return err
	}
	return nil
}

func removeFile(path string) error {
	return os.Remove(path)
}
