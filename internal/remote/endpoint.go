// ABOUTME: Daemon network address and the WebSocket URL derived from it.
// ABOUTME: Hosts may carry their own ws:// or wss:// scheme.

package remote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port daemons listen on when none is configured.
const DefaultPort = 24444

// Endpoint is where a daemon listens.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// URL returns the WebSocket URL for the endpoint. A host that already names a
// ws:// or wss:// scheme is used verbatim with the port appended.
func (e Endpoint) URL() string {
	if hasScheme(e.Host) {
		return e.Host + ":" + strconv.Itoa(e.Port)
	}
	return "ws://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate checks that the endpoint can be dialed.
func (e Endpoint) Validate() error {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		return errors.New("host is required")
	}
	if hasScheme(host) && strings.TrimPrefix(strings.TrimPrefix(host, "wss://"), "ws://") == "" {
		return fmt.Errorf("host %q has a scheme but no address", e.Host)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	return nil
}

func (e Endpoint) String() string {
	return e.URL()
}

func hasScheme(host string) bool {
	return strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://")
}
