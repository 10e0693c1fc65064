// Command lightd runs the container management daemon: it installs,
// starts, and supervises Docker-backed workloads behind an HTTP/WebSocket
// API, with a registered port pool guaranteeing no two workloads ever
// collide on the same (ip, port, proto) triple.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
