// Package readiness checks whether a supervised workload started listening.
package readiness

import (
	"context"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// AttemptTimeout bounds a single connection attempt.
	AttemptTimeout = time.Second
	// PollInterval is the pause between failed attempts.
	PollInterval = 50 * time.Millisecond
)

// WaitForPort reports whether localhost:port accepts a TCP connection before
// grace elapses. A zero port or zero grace skips the check and returns true.
func WaitForPort(ctx context.Context, port int, grace time.Duration) bool {
	if grace <= 0 || port <= 0 {
		return true
	}

	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	deadline := time.Now().Add(grace)
	var dialer net.Dialer

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		attempt := min(AttemptTimeout, remaining)
		actx, cancel := context.WithTimeout(ctx, attempt)
		conn, err := dialer.DialContext(actx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(min(PollInterval, time.Until(deadline))):
		}
	}
}

// ListeningPorts returns the TCP ports the process tree rooted at pid is
// listening on. Errors for vanished processes are ignored.
func ListeningPorts(pid int) []int {
	seen := make(map[int]bool)

	var walk func(pid int32)
	walk = func(pid int32) {
		proc, err := process.NewProcess(pid)
		if err != nil {
			return
		}

		conns, err := proc.Connections()
		if err == nil {
			for _, conn := range conns {
				if conn.Status == "LISTEN" {
					seen[int(conn.Laddr.Port)] = true
				}
			}
		}

		children, _ := proc.Children()
		for _, child := range children {
			walk(child.Pid)
		}
	}
	walk(int32(pid))

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
