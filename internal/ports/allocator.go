// Package ports picks free loopback host ports for a run's published
// services.
//
// Allocation is probe-and-release: a port is bound, closed immediately and
// handed to the compose file. Another process can grab it before the
// container binds it; that window is a known limitation and surfaces later as
// a port conflict on compose up.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/go-logr/logr"
)

// DefaultMaxAttempts bounds the upward scan from a desired port.
const DefaultMaxAttempts = 50

const maxPort = 65535

// PortExhaustedError means no free port was found within the attempt budget.
type PortExhaustedError struct {
	Service  string
	Desired  int
	Attempts int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port for service %q in %d attempts starting at %d", e.Service, e.Attempts, e.Desired)
}

// Allocator probes ports on a single host address.
type Allocator struct {
	Host        string
	MaxAttempts int
	Logger      logr.Logger

	probe func(host string, port int) bool
}

// New returns an allocator probing 127.0.0.1.
func New(logger logr.Logger) *Allocator {
	return &Allocator{Host: "127.0.0.1", MaxAttempts: DefaultMaxAttempts, Logger: logger.WithName("ports")}
}

func isPortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocate returns the first free port at or above desired. It never returns
// a port below desired and leaves no socket bound.
func (a *Allocator) Allocate(desired int, service string) (int, error) {
	return a.allocate(desired, service, nil)
}

func (a *Allocator) allocate(desired int, service string, taken map[int]bool) (int, error) {
	if desired <= 0 || desired > maxPort {
		return 0, fmt.Errorf("service %q: desired port %d out of range", service, desired)
	}
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	probe := a.probe
	if probe == nil {
		probe = isPortAvailable
	}
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	tried := 0
	for port := desired; tried < attempts && port <= maxPort; port++ {
		tried++
		if taken[port] {
			continue
		}
		if probe(host, port) {
			if port != desired {
				a.Logger.V(1).Info("port busy, moved up", "service", service, "desired", desired, "port", port)
			}
			return port, nil
		}
	}
	return 0, &PortExhaustedError{Service: service, Desired: desired, Attempts: tried}
}

// AllocateAll allocates every service in sorted service order. Two services
// of one batch never receive the same port.
func (a *Allocator) AllocateAll(desired map[string]int) (map[string]int, error) {
	if len(desired) == 0 {
		return nil, errors.New("no ports requested")
	}
	services := make([]string, 0, len(desired))
	for svc := range desired {
		services = append(services, svc)
	}
	sort.Strings(services)
	taken := make(map[int]bool, len(desired))
	out := make(map[string]int, len(desired))
	for _, svc := range services {
		port, err := a.allocate(desired[svc], svc, taken)
		if err != nil {
			return nil, err
		}
		taken[port] = true
		out[svc] = port
	}
	return out, nil
}
