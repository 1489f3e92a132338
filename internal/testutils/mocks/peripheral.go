//go:build test

package mocks

import (
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/stretchr/testify/mock"
)

// MockPeripheral is a testify mock of platform.Peripheral.
type MockPeripheral struct {
	mock.Mock
}

// NewMockPeripheral creates a MockPeripheral whose expectations are asserted on cleanup.
func NewMockPeripheral(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPeripheral {
	m := &MockPeripheral{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockPeripheral) SetEventHandler(h platform.EventHandler) {
	m.Called(h)
}

func (m *MockPeripheral) State() device.BluetoothState {
	args := m.Called()
	return args.Get(0).(device.BluetoothState)
}

func (m *MockPeripheral) AddService(svc platform.LocalService) error {
	args := m.Called(svc)
	return args.Error(0)
}

func (m *MockPeripheral) RemoveAllServices() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPeripheral) StartAdvertising(name string, serviceUUIDs []string) error {
	args := m.Called(name, serviceUUIDs)
	return args.Error(0)
}

func (m *MockPeripheral) StopAdvertising() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockPeripheral) IsAdvertising() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockPeripheral) RespondToRead(requestID uint64, value []byte, err error) error {
	args := m.Called(requestID, value, err)
	return args.Error(0)
}

func (m *MockPeripheral) RespondToWrite(requestID uint64, err error) error {
	args := m.Called(requestID, err)
	return args.Error(0)
}

func (m *MockPeripheral) UpdateValue(characteristic string, value []byte) bool {
	args := m.Called(characteristic, value)
	return args.Bool(0)
}

func (m *MockPeripheral) Close() error {
	args := m.Called()
	return args.Error(0)
}
