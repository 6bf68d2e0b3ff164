package router

import (
	"net/netip"
	"slices"
	"sync"
)

var _ Router = (*MockRouter)(nil)

// MockRouter implements the Router interface for testing purposes.
type MockRouter struct {
	lock     sync.Mutex
	routes   []netip.Prefix
	gateways map[netip.Prefix]netip.Addr
	addErr   error
	closeErr error
	closed   bool
}

// NewMockRouter creates a new MockRouter for testing.
func NewMockRouter() *MockRouter {
	return &MockRouter{gateways: make(map[netip.Prefix]netip.Addr)}
}

// SetAddRouteError sets the error that will be returned by AddRoute.
func (m *MockRouter) SetAddRouteError(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.addErr = err
}

// SetCloseError sets the error that will be returned by Close.
func (m *MockRouter) SetCloseError(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closeErr = err
}

// Gateway returns the gateway dst was routed through.
func (m *MockRouter) Gateway(dst netip.Prefix) (netip.Addr, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	gw, ok := m.gateways[dst]
	return gw, ok
}

// Closed reports whether Close was called.
func (m *MockRouter) Closed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

func (m *MockRouter) AddRoute(dst netip.Prefix, via netip.Addr) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.addErr != nil {
		return m.addErr
	}
	m.routes = append(m.routes, dst)
	m.gateways[dst] = via
	return nil
}

func (m *MockRouter) Routes() []netip.Prefix {
	m.lock.Lock()
	defer m.lock.Unlock()
	return slices.Clone(m.routes)
}

func (m *MockRouter) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.closed = true
	if m.closeErr != nil {
		return m.closeErr
	}
	m.routes = nil
	clear(m.gateways)
	return nil
}
