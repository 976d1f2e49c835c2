// Command logworker pushes synthetic syslog lines through a worker thread
// pool executor and reports how the pool scaled and shut down.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
