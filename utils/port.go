package utils

import (
	"context"
	"net"
	"strconv"
	"time"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WaitHostPort polls host:port until it accepts a TCP connection or the
// duration budget is spent. Attempts are spaced by delay and no attempt runs
// past the budget, so a 5s budget with a 500ms delay makes at most 10
// attempts.
//
// Parameters:
//   - ctx: Cancels the wait early; a cancelled wait reports false
//   - host: Host name or IP address to dial
//   - port: TCP port to dial
//   - duration: Total time budget
//   - delay: Pause between failed attempts
//
// Returns:
//   - true as soon as a connection succeeds, false if none did within duration
func WaitHostPort(ctx context.Context, host string, port int, duration, delay time.Duration) bool {
	var d net.Dialer
	return waitHostPort(ctx, d.DialContext, net.JoinHostPort(host, strconv.Itoa(port)), duration, delay)
}

func waitHostPort(ctx context.Context, dial dialFunc, addr string, duration, delay time.Duration) bool {
	deadline := time.Now().Add(duration)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		attemptCtx, cancel := context.WithTimeout(ctx, remaining)
		conn, err := dial(attemptCtx, "tcp", addr)
		cancel()
		if err == nil {
			_ = conn.Close()
			return true
		}

		if ctx.Err() != nil {
			return false
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		}
	}
}
