package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// Transport names accepted by Listen and Dial.
const (
	TransportTCP   = "tcp"
	TransportVsock = "vsock"
)

// Retry defaults for node dialing.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Listen opens the node channel listener. TCP listens on addr; vsock listens
// on port in the host's context.
func Listen(transport, addr string, port uint32) (net.Listener, error) {
	switch transport {
	case TransportTCP, "":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		return l, nil
	case TransportVsock:
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("listen vsock port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// Dial connects to a controller, retrying with exponential backoff. For
// vsock, cid and port select the controller; addr is ignored.
func Dial(ctx context.Context, transport, addr string, cid, port uint32) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial controller: %w", err)
		}

		conn, err := dialOnce(ctx, transport, addr, cid, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial controller: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial controller after %d attempts: %w", dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, transport, addr string, cid, port uint32) (net.Conn, error) {
	switch transport {
	case TransportTCP, "":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case TransportVsock:
		return vsock.Dial(cid, port, nil)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
