//go:build !linux

package concurrency

// setThreadName is a no-op where threads cannot be named portably
func setThreadName(string) error {
	return nil
}
