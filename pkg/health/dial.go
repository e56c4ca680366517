package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialChecker checks a dependency by opening a connection to it. Network
// is "unix" for the containerd socket and "tcp" for redis.
type DialChecker struct {
	Network string
	Address string
}

// NewDialChecker creates a new dial check
func NewDialChecker(network, address string) *DialChecker {
	return &DialChecker{Network: network, Address: address}
}

// Check performs the dial
func (d *DialChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s connection to %s successful", d.Network, d.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

// Check calls f
func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	r := Result{Healthy: true, CheckedAt: start}
	if err := f(ctx); err != nil {
		r.Healthy = false
		r.Message = err.Error()
	}
	r.Duration = time.Since(start)
	return r
}
