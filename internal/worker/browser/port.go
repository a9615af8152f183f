package browser

import (
	"fmt"
	"net"
)

// freePort asks the OS for an unused TCP port and immediately releases
// it. The window between release and the browser binding it is racy;
// NewBrowser compensates with bounded launch retries.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}
