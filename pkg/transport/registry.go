// Package transport holds the service-locator-keyed factory that used
// to be a global package-init registry: here
// it is an explicit, caller-constructed Registry instead, so a process
// embedding this module controls its own transport lifecycle rather
// than reaching into a shared global map.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/kerneltransport/internal/metrics"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"github.com/marmos91/kerneltransport/pkg/locator"
	"github.com/marmos91/kerneltransport/pkg/transport/tcp"
)

// Transport is the narrow interface the registry deals in: enough to
// start a server and hand out client sessions, without committing
// callers to the "tcp" package specifically.
type Transport interface {
	Listen(loc locator.Locator) error
	GetServiceLocator() string
	GetSession(loc locator.Locator) (*tcp.ClientSession, error)
	ServerRecv() (*tcp.ServerRpc, bool)
	RegisterMemory(base uintptr, bytes int) error
	Run(ctx context.Context) error
	Close() error
	SetMetrics(m *metrics.Transport)
}

// Registry maps a locator's protocol name to the Transport capable of
// opening it. Out of the box only "tcp"/"kernelTcp" are registered; RegisterFactory lets a
// caller add others without touching this package.
type Registry struct {
	disp dispatcher.Dispatcher
	m    *metrics.Transport

	mu      sync.Mutex
	factory map[string]func(dispatcher.Dispatcher) Transport
}

// NewRegistry builds a Registry bound to one dispatcher shared by every
// transport it constructs, keeping a one-dispatcher-many-
// transports model.
func NewRegistry(disp dispatcher.Dispatcher, m *metrics.Transport) *Registry {
	r := &Registry{
		disp:    disp,
		m:       m,
		factory: make(map[string]func(dispatcher.Dispatcher) Transport),
	}
	r.RegisterFactory("tcp", newTCPTransport)
	r.RegisterFactory("kernelTcp", newTCPTransport)
	return r
}

func newTCPTransport(disp dispatcher.Dispatcher) Transport {
	return tcp.New(disp)
}

// RegisterFactory associates protocol with a constructor. Re-registering
// an existing protocol replaces it.
func (r *Registry) RegisterFactory(protocol string, factory func(dispatcher.Dispatcher) Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory[protocol] = factory
}

// Open parses locatorString and returns a Transport ready to Listen or
// GetSession against, per the locator's protocol.
func (r *Registry) Open(locatorString string) (Transport, locator.Locator, error) {
	loc, err := locator.Parse(locatorString)
	if err != nil {
		return nil, locator.Locator{}, fmt.Errorf("transport: %w", err)
	}

	r.mu.Lock()
	factory, ok := r.factory[loc.Protocol]
	r.mu.Unlock()
	if !ok {
		return nil, locator.Locator{}, fmt.Errorf("transport: no factory registered for protocol %q", loc.Protocol)
	}

	t := factory(r.disp)
	t.SetMetrics(r.m)
	return t, loc, nil
}
