// Package mocks holds testify mocks for the transport interfaces.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

// MockTransport is a mock implementation of transport.Transport.
type MockTransport struct {
	mock.Mock
}

var _ transport.Transport = (*MockTransport)(nil)

// NewMockTransport creates a MockTransport and registers a cleanup that
// asserts its expectations.
func NewMockTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransport {
	m := &MockTransport{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockTransport) Lock() {
	m.Called()
}

func (m *MockTransport) Unlock() {
	m.Called()
}

func (m *MockTransport) Write(p []byte) error {
	ret := m.Called(p)
	return ret.Error(0)
}

func (m *MockTransport) Read(p []byte) error {
	ret := m.Called(p)
	return ret.Error(0)
}

func (m *MockTransport) Await(ev transport.Event, timeout time.Duration) error {
	ret := m.Called(ev, timeout)
	return ret.Error(0)
}
