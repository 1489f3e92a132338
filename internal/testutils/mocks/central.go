//go:build test

package mocks

import (
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/stretchr/testify/mock"
)

// MockCentral is a testify mock of platform.Central.
type MockCentral struct {
	mock.Mock
}

// NewMockCentral creates a MockCentral whose expectations are asserted on cleanup.
func NewMockCentral(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockCentral {
	m := &MockCentral{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockCentral) SetEventHandler(h platform.EventHandler) {
	m.Called(h)
}

func (m *MockCentral) State() device.BluetoothState {
	args := m.Called()
	return args.Get(0).(device.BluetoothState)
}

func (m *MockCentral) StartScan(allowDuplicates bool) error {
	args := m.Called(allowDuplicates)
	return args.Error(0)
}

func (m *MockCentral) StopScan() {
	m.Called()
}

func (m *MockCentral) IsScanning() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockCentral) Connect(peerID string) error {
	args := m.Called(peerID)
	return args.Error(0)
}

func (m *MockCentral) CancelConnection(peerID string) error {
	args := m.Called(peerID)
	return args.Error(0)
}

func (m *MockCentral) DiscoverServices(peerID string, filter []string) error {
	args := m.Called(peerID, filter)
	return args.Error(0)
}

func (m *MockCentral) DiscoverCharacteristics(peerID, service string, filter []string) error {
	args := m.Called(peerID, service, filter)
	return args.Error(0)
}

func (m *MockCentral) ReadValue(peerID string, c platform.CharacteristicRef) error {
	args := m.Called(peerID, c)
	return args.Error(0)
}

func (m *MockCentral) WriteValue(peerID string, c platform.CharacteristicRef, data []byte, mode platform.WriteMode) error {
	args := m.Called(peerID, c, data, mode)
	return args.Error(0)
}

func (m *MockCentral) SetNotify(peerID string, c platform.CharacteristicRef, enabled bool) error {
	args := m.Called(peerID, c, enabled)
	return args.Error(0)
}

func (m *MockCentral) IsNotifying(peerID string, c platform.CharacteristicRef) bool {
	args := m.Called(peerID, c)
	return args.Bool(0)
}

func (m *MockCentral) Close() error {
	args := m.Called()
	return args.Error(0)
}
