//go:build test

package central_test

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/srg/gattq/internal/result"
	"github.com/srg/gattq/internal/testutils"
	"github.com/srg/gattq/internal/testutils/mocks"
)

const (
	waitTimeout = time.Second
	quietPeriod = 50 * time.Millisecond
)

var (
	heartRate = device.Service{
		UUID: "180d",
		Characteristics: []device.Characteristic{
			{UUID: "2a37", Properties: device.PropertyRead | device.PropertyNotify},
			{UUID: "2a39", Properties: device.PropertyWrite | device.PropertyWriteNoResponse},
		},
	}
	battery = device.Service{
		UUID: "180f",
		Characteristics: []device.Characteristic{
			{UUID: "2a19", Properties: device.PropertyRead | device.PropertyNotify},
		},
	}
	heartRateMeasurement = platform.CharacteristicRef{Service: "180d", Characteristic: "2a37"}
)

type stateChange struct {
	state device.ConnectionState
	err   error
}

type CentralTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	platform *mocks.MockCentral
	manager  *central.Manager
}

func (s *CentralTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.platform = mocks.NewMockCentral(s.T())
	s.platform.On("State").Return(device.StatePoweredOn).Once()
	s.platform.On("SetEventHandler", mock.Anything).Return().Once()
	s.platform.On("Close").Return(nil).Maybe()
	s.manager = central.NewManager(s.platform, central.Options{}, s.helper.Logger)
}

func (s *CentralTestSuite) TearDownTest() {
	s.NoError(s.manager.Close())
}

// connect brings id to Connected and returns the stream of transitions seen
// by the Connect handler.
func (s *CentralTestSuite) connect(id string, opts central.ConnectOptions) (*central.Device, chan stateChange) {
	s.platform.On("Connect", id).Return(nil).Once()

	states := make(chan stateChange, 16)
	d := s.manager.Device(id)
	s.Require().NoError(d.Connect(opts, func(state device.ConnectionState, err error) {
		states <- stateChange{state, err}
	}))
	s.manager.HandleEvent(platform.Connected{PeerID: id})
	s.Require().True(d.IsConnected(), "device MUST be connected after the Connected event")

	s.Equal(device.Connecting, testutils.Receive(s.T(), states, waitTimeout).state)
	s.Equal(device.Connected, testutils.Receive(s.T(), states, waitTimeout).state)
	return d, states
}

// discover runs service discovery on d and answers it with services.
func (s *CentralTestSuite) discover(d *central.Device, services ...device.Service) {
	called := make(chan struct{}, 1)
	s.platform.On("DiscoverServices", d.ID(), mock.Anything).
		Run(func(mock.Arguments) { called <- struct{}{} }).
		Return(nil).Once()

	results := make(chan result.Result[[]device.Service], 1)
	d.DiscoverServices(nil, func(r result.Result[[]device.Service]) { results <- r })
	testutils.Receive(s.T(), called, waitTimeout)

	s.manager.HandleEvent(platform.ServicesDiscovered{PeerID: d.ID(), Services: services})
	s.Require().NoError(testutils.Receive(s.T(), results, waitTimeout).Err())
}

// expectRead answers every ReadValue call for peer on the returned channel.
func (s *CentralTestSuite) expectRead(peer string, times int) chan platform.CharacteristicRef {
	calls := make(chan platform.CharacteristicRef, times)
	s.platform.On("ReadValue", peer, mock.Anything).
		Run(func(args mock.Arguments) { calls <- args.Get(1).(platform.CharacteristicRef) }).
		Return(nil).Times(times)
	return calls
}

func (s *CentralTestSuite) read(d *central.Device, char, svc string) chan result.Result[[]byte] {
	results := make(chan result.Result[[]byte], 1)
	d.Read(char, svc, func(r result.Result[[]byte]) { results <- r })
	return results
}

// ----------------------------
// Discovery
// ----------------------------

func (s *CentralTestSuite) TestDiscoverServicesRoundTrip() {
	// GOAL: Verify discovered services are reported in order and replace the snapshot
	//
	// TEST SCENARIO: Discover two services → platform reports [180d, 180f] → result and snapshot match

	d, _ := s.connect("peer-1", central.ConnectOptions{})

	called := make(chan []string, 1)
	s.platform.On("DiscoverServices", "peer-1", mock.Anything).
		Run(func(args mock.Arguments) { called <- args.Get(1).([]string) }).
		Return(nil).Once()

	results := make(chan result.Result[[]device.Service], 1)
	d.DiscoverServices(nil, func(r result.Result[[]device.Service]) { results <- r })
	s.Nil(testutils.Receive(s.T(), called, waitTimeout), "nil filter MUST discover all services")

	s.manager.HandleEvent(platform.ServicesDiscovered{
		PeerID:   "peer-1",
		Services: []device.Service{{UUID: "0000180D-0000-1000-8000-00805F9B34FB"}, battery},
	})

	services, err := testutils.Receive(s.T(), results, waitTimeout).Get()
	s.Require().NoError(err)
	s.Require().Len(services, 2)
	s.Equal("180d", services[0].UUID, "service UUIDs MUST be normalized")
	s.Equal("180f", services[1].UUID)

	snapshot := d.Services()
	s.Require().Len(snapshot, 2)
	s.Equal("180d", snapshot[0].UUID, "snapshot MUST keep discovery order")
	s.Equal("180f", snapshot[1].UUID)
}

func (s *CentralTestSuite) TestDiscoverCharacteristicsUpdatesSnapshot() {
	// GOAL: Verify characteristic discovery is correlated by service and merged into the snapshot

	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, device.Service{UUID: "180d"})

	called := make(chan string, 1)
	s.platform.On("DiscoverCharacteristics", "peer-1", "180d", mock.Anything).
		Run(func(args mock.Arguments) { called <- args.String(1) }).
		Return(nil).Once()

	results := make(chan result.Result[central.DiscoveredCharacteristics], 1)
	d.DiscoverCharacteristics("180D", nil, func(r result.Result[central.DiscoveredCharacteristics]) { results <- r })
	testutils.Receive(s.T(), called, waitTimeout)

	// A response for another service MUST NOT complete the operation.
	s.manager.HandleEvent(platform.CharacteristicsDiscovered{PeerID: "peer-1", Service: "180f"})
	testutils.NoReceive(s.T(), results, quietPeriod)

	s.manager.HandleEvent(platform.CharacteristicsDiscovered{
		PeerID:          "peer-1",
		Service:         "180d",
		Characteristics: heartRate.Characteristics,
	})
	discovered, err := testutils.Receive(s.T(), results, waitTimeout).Get()
	s.Require().NoError(err)
	s.Len(discovered.Characteristics, 2)

	svc, ok := d.Service("180d")
	s.Require().True(ok)
	_, ok = svc.Characteristic("2a37")
	s.True(ok, "discovered characteristics MUST be part of the snapshot")
}

func (s *CentralTestSuite) TestDiscoverCharacteristicsUnknownService() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})

	results := make(chan result.Result[central.DiscoveredCharacteristics], 1)
	d.DiscoverCharacteristics("180d", nil, func(r result.Result[central.DiscoveredCharacteristics]) { results <- r })

	err := testutils.Receive(s.T(), results, waitTimeout).Err()
	s.ErrorIs(err, device.ErrServiceNotFound)
	s.platform.AssertNotCalled(s.T(), "DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything)
}

// ----------------------------
// GATT operations
// ----------------------------

func (s *CentralTestSuite) TestReadWhileDisconnected() {
	// GOAL: Verify operations on a disconnected device fail without touching the platform

	d := s.manager.Device("peer-1")

	err := testutils.Receive(s.T(), s.read(d, "2a37", "180d"), waitTimeout).Err()
	s.ErrorIs(err, device.ErrDisconnected)
	s.True(device.IsConnectionState(err, device.NotConnected), "error MUST carry the not_connected state")
	s.platform.AssertNotCalled(s.T(), "ReadValue", mock.Anything, mock.Anything)
}

func (s *CentralTestSuite) TestReadUnknownCharacteristic() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)

	err := testutils.Receive(s.T(), s.read(d, "2a00", "180d"), waitTimeout).Err()
	s.ErrorIs(err, device.ErrCharacteristicNotFound)

	var notFound *device.NotFoundError
	s.Require().ErrorAs(err, &notFound)
	s.Equal([]string{"180d", "2a00"}, notFound.UUIDs)
}

func (s *CentralTestSuite) TestReadValue() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	calls := s.expectRead("peer-1", 1)

	results := s.read(d, "2A37", "180D")
	s.Equal(heartRateMeasurement, testutils.Receive(s.T(), calls, waitTimeout))

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{0x06, 0x48}})
	value, err := testutils.Receive(s.T(), results, waitTimeout).Get()
	s.Require().NoError(err)
	s.Equal([]byte{0x06, 0x48}, value)
}

func (s *CentralTestSuite) TestReadPlatformError() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	calls := s.expectRead("peer-1", 1)

	results := s.read(d, "2a37", "180d")
	testutils.Receive(s.T(), calls, waitTimeout)

	cause := errors.New("insufficient authentication")
	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Err: cause})

	err := testutils.Receive(s.T(), results, waitTimeout).Err()
	s.ErrorIs(err, cause)
	var perr *device.PlatformError
	s.Require().ErrorAs(err, &perr)
	s.Equal("read", perr.Op)
}

func (s *CentralTestSuite) TestOperationsRunSerially() {
	// GOAL: Verify a second read is not issued before the first one completes
	//
	// TEST SCENARIO: Queue two reads → only one platform read → answer it → second read issued

	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate, battery)
	calls := s.expectRead("peer-1", 2)
	level := platform.CharacteristicRef{Service: "180f", Characteristic: "2a19"}

	first := s.read(d, "2a37", "180d")
	second := s.read(d, "2a19", "180f")

	s.Equal(heartRateMeasurement, testutils.Receive(s.T(), calls, waitTimeout))
	testutils.NoReceive(s.T(), calls, quietPeriod)

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	s.Equal([]byte{1}, testutils.Receive(s.T(), first, waitTimeout).Value())

	s.Equal(level, testutils.Receive(s.T(), calls, waitTimeout))
	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: level, Value: []byte{87}})
	s.Equal([]byte{87}, testutils.Receive(s.T(), second, waitTimeout).Value())
}

func (s *CentralTestSuite) TestCorrelationAcrossDevices() {
	// GOAL: Verify responses are routed to the device they belong to
	//
	// TEST SCENARIO: Read on two peers → answer peer-2 first → each read gets its own peer's value

	d1, _ := s.connect("peer-1", central.ConnectOptions{})
	d2, _ := s.connect("peer-2", central.ConnectOptions{})
	s.discover(d1, heartRate)
	s.discover(d2, heartRate)
	calls1 := s.expectRead("peer-1", 1)
	calls2 := s.expectRead("peer-2", 1)

	r1 := s.read(d1, "2a37", "180d")
	r2 := s.read(d2, "2a37", "180d")
	testutils.Receive(s.T(), calls1, waitTimeout)
	testutils.Receive(s.T(), calls2, waitTimeout)

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-2", Characteristic: heartRateMeasurement, Value: []byte{2}})
	s.Equal([]byte{2}, testutils.Receive(s.T(), r2, waitTimeout).Value())
	testutils.NoReceive(s.T(), r1, quietPeriod)

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	s.Equal([]byte{1}, testutils.Receive(s.T(), r1, waitTimeout).Value())
}

func (s *CentralTestSuite) TestWriteWithResponse() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	ref := platform.CharacteristicRef{Service: "180d", Characteristic: "2a39"}

	called := make(chan []byte, 1)
	s.platform.On("WriteValue", "peer-1", ref, mock.Anything, platform.WithResponse).
		Run(func(args mock.Arguments) { called <- args.Get(2).([]byte) }).
		Return(nil).Once()

	results := make(chan result.Result[struct{}], 1)
	payload := []byte{0x01}
	d.Write(payload, "2a39", "180d", platform.WithResponse, func(r result.Result[struct{}]) { results <- r })
	payload[0] = 0xFF

	s.Equal([]byte{0x01}, testutils.Receive(s.T(), called, waitTimeout), "payload MUST be copied at submission")
	testutils.NoReceive(s.T(), results, quietPeriod)

	s.manager.HandleEvent(platform.ValueWritten{PeerID: "peer-1", Characteristic: ref})
	s.NoError(testutils.Receive(s.T(), results, waitTimeout).Err())
}

func (s *CentralTestSuite) TestWriteWithoutResponseCompletesOnAcceptance() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	ref := platform.CharacteristicRef{Service: "180d", Characteristic: "2a39"}
	s.platform.On("WriteValue", "peer-1", ref, []byte{0x02}, platform.WithoutResponse).Return(nil).Once()

	results := make(chan result.Result[struct{}], 1)
	d.Write([]byte{0x02}, "2a39", "180d", platform.WithoutResponse, func(r result.Result[struct{}]) { results <- r })
	s.NoError(testutils.Receive(s.T(), results, waitTimeout).Err())
}

func (s *CentralTestSuite) TestOperationTimeout() {
	// GOAL: Verify an unanswered operation fails with ErrTimeout and a late answer is dropped

	s.manager = central.NewManager(s.platformForTimeout(), central.Options{OperationTimeout: 50 * time.Millisecond}, s.helper.Logger)
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	calls := s.expectRead("peer-1", 1)

	results := s.read(d, "2a37", "180d")
	testutils.Receive(s.T(), calls, waitTimeout)
	s.ErrorIs(testutils.Receive(s.T(), results, waitTimeout).Err(), device.ErrTimeout)

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	s.Contains(s.helper.Messages(logrus.WarnLevel), "Dropping unexpected value update callback")
}

// platformForTimeout re-arms the constructor expectations for a second manager.
func (s *CentralTestSuite) platformForTimeout() *mocks.MockCentral {
	s.platform.On("State").Return(device.StatePoweredOn).Once()
	s.platform.On("SetEventHandler", mock.Anything).Return().Once()
	return s.platform
}

// ----------------------------
// Connection lifecycle
// ----------------------------

func (s *CentralTestSuite) TestConnectTwiceFails() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})

	err := d.Connect(central.ConnectOptions{}, nil)
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.True(device.IsConnectionState(err, device.AlreadyConnected))
}

func (s *CentralTestSuite) TestDisconnectCancelsQueue() {
	// GOAL: Verify an unexpected disconnect fails the executing and pending operations
	//
	// TEST SCENARIO: Two reads queued → link drops → both fail with ErrDisconnected → state handler sees the error

	d, states := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	calls := s.expectRead("peer-1", 1)

	first := s.read(d, "2a37", "180d")
	second := s.read(d, "2a37", "180d")
	testutils.Receive(s.T(), calls, waitTimeout)

	s.manager.HandleEvent(platform.Disconnected{PeerID: "peer-1"})

	for _, results := range []chan result.Result[[]byte]{first, second} {
		err := testutils.Receive(s.T(), results, waitTimeout).Err()
		s.ErrorIs(err, device.ErrDisconnected)
		s.ErrorIs(err, device.ErrCancelled)
	}

	change := testutils.Receive(s.T(), states, waitTimeout)
	s.Equal(device.Disconnected, change.state)
	s.ErrorIs(change.err, device.ErrDisconnected, "unexpected disconnect MUST be reported as an error")
	testutils.NoReceive(s.T(), calls, quietPeriod)
}

func (s *CentralTestSuite) TestOperationSubmittedFromCancelledCallbackFailsDisconnected() {
	// GOAL: Verify an operation submitted while the queue is being cancelled never reaches the platform
	//
	// TEST SCENARIO: Read A executing, read B pending → link drops → A's callback retries the read →
	//                retry fails with ErrDisconnected, no second platform read

	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	calls := s.expectRead("peer-1", 1)

	retried := make(chan result.Result[[]byte], 1)
	d.Read("2a37", "180d", func(r result.Result[[]byte]) {
		if r.IsFailure() {
			d.Read("2a37", "180d", func(r result.Result[[]byte]) { retried <- r })
		}
	})
	pending := s.read(d, "2a37", "180d")
	testutils.Receive(s.T(), calls, waitTimeout)

	s.manager.HandleEvent(platform.Disconnected{PeerID: "peer-1"})

	s.ErrorIs(testutils.Receive(s.T(), pending, waitTimeout).Err(), device.ErrDisconnected)
	s.ErrorIs(testutils.Receive(s.T(), retried, waitTimeout).Err(), device.ErrDisconnected,
		"retry MUST complete with ErrDisconnected")
	testutils.NoReceive(s.T(), calls, quietPeriod)
	s.Equal(device.Disconnected, d.State())
}

func (s *CentralTestSuite) TestRequestedDisconnect() {
	d, states := s.connect("peer-1", central.ConnectOptions{})
	s.platform.On("CancelConnection", "peer-1").Return(nil).Once()

	d.Disconnect(false)
	change := testutils.Receive(s.T(), states, waitTimeout)
	s.Equal(device.Disconnecting, change.state)

	s.manager.HandleEvent(platform.Disconnected{PeerID: "peer-1", Err: errors.New("link terminated")})
	change = testutils.Receive(s.T(), states, waitTimeout)
	s.Equal(device.Disconnected, change.state)
	s.NoError(change.err, "requested disconnect MUST NOT report an error")

	// Repeated disconnects are no-ops.
	d.Disconnect(false)
	testutils.NoReceive(s.T(), states, quietPeriod)
}

func (s *CentralTestSuite) TestConnectTimeout() {
	// GOAL: Verify a connection that never completes is cancelled and fails with ErrTimeout

	s.platform.On("Connect", "peer-1").Return(nil).Once()
	s.platform.On("CancelConnection", "peer-1").
		Run(func(mock.Arguments) {
			go s.manager.HandleEvent(platform.ConnectFailed{PeerID: "peer-1", Err: errors.New("cancelled")})
		}).
		Return(nil).Once()

	states := make(chan stateChange, 4)
	d := s.manager.Device("peer-1")
	s.Require().NoError(d.Connect(central.ConnectOptions{Timeout: 30 * time.Millisecond}, func(state device.ConnectionState, err error) {
		states <- stateChange{state, err}
	}))

	s.Equal(device.Connecting, testutils.Receive(s.T(), states, waitTimeout).state)
	change := testutils.Receive(s.T(), states, waitTimeout)
	s.Equal(device.Disconnected, change.state)
	s.ErrorIs(change.err, device.ErrTimeout)

	// The platform may still report success after the timeout.
	s.manager.HandleEvent(platform.Connected{PeerID: "peer-1"})
	s.False(d.IsConnected(), "late connect event MUST be ignored")
}

func (s *CentralTestSuite) TestConnectFailedSynchronously() {
	// GOAL: Verify a connect request rejected by the platform is returned and never retried

	cause := errors.New("adapter busy")
	s.platform.On("Connect", "peer-1").Return(cause).Once()

	states := make(chan stateChange, 4)
	d := s.manager.Device("peer-1")
	err := d.Connect(central.ConnectOptions{AutoReconnect: true}, func(state device.ConnectionState, err error) {
		states <- stateChange{state, err}
	})
	s.ErrorIs(err, cause)

	s.Equal(device.Connecting, testutils.Receive(s.T(), states, waitTimeout).state)
	change := testutils.Receive(s.T(), states, waitTimeout)
	s.Equal(device.Disconnected, change.state)
	s.ErrorIs(change.err, cause)
	testutils.NoReceive(s.T(), states, quietPeriod)
}

func (s *CentralTestSuite) TestAutoReconnect() {
	// GOAL: Verify an unexpected disconnect reconnects when AutoReconnect is set

	d, states := s.connect("peer-1", central.ConnectOptions{AutoReconnect: true})
	s.platform.On("Connect", "peer-1").Return(nil).Once()

	s.manager.HandleEvent(platform.Disconnected{PeerID: "peer-1", Err: errors.New("supervision timeout")})
	s.Equal(device.Disconnected, testutils.Receive(s.T(), states, waitTimeout).state)
	s.Equal(device.Connecting, testutils.Receive(s.T(), states, waitTimeout).state, "device MUST reconnect")

	s.manager.HandleEvent(platform.Connected{PeerID: "peer-1"})
	s.Equal(device.Connected, testutils.Receive(s.T(), states, waitTimeout).state)
	s.True(d.IsConnected())
}

func (s *CentralTestSuite) TestConnectionStateObservers() {
	d := s.manager.Device("peer-1")

	seen := make(chan device.ConnectionState, 8)
	d.OnConnectionStateChanged(func(state device.ConnectionState) { seen <- state })
	s.Equal(device.Disconnected, testutils.Receive(s.T(), seen, waitTimeout), "observer MUST see the current state first")

	s.platform.On("Connect", "peer-1").Return(nil).Once()
	s.Require().NoError(d.Connect(central.ConnectOptions{}, nil))
	s.manager.HandleEvent(platform.Connected{PeerID: "peer-1"})

	s.Equal(device.Connecting, testutils.Receive(s.T(), seen, waitTimeout))
	s.Equal(device.Connected, testutils.Receive(s.T(), seen, waitTimeout))
}

// ----------------------------
// Subscriptions
// ----------------------------

func (s *CentralTestSuite) TestSubscribeDeliversNotifications() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()

	values := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{60}})
	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{61}})
	s.Equal([]byte{60}, testutils.Receive(s.T(), values, waitTimeout).Value())
	s.Equal([]byte{61}, testutils.Receive(s.T(), values, waitTimeout).Value())
}

func (s *CentralTestSuite) TestSubscribeTwiceIsNoop() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()

	first := make(chan result.Result[[]byte], 4)
	second := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { first <- r })
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { second <- r })

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	s.Equal([]byte{1}, testutils.Receive(s.T(), first, waitTimeout).Value())
	testutils.NoReceive(s.T(), second, quietPeriod)
}

func (s *CentralTestSuite) TestSubscribeFailures() {
	// GOAL: Verify precondition and platform failures reach the handler exactly once

	d := s.manager.Device("peer-1")
	values := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })
	s.ErrorIs(testutils.Receive(s.T(), values, waitTimeout).Err(), device.ErrDisconnected)

	d, _ = s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	d.Subscribe("2a00", "180d", func(r result.Result[[]byte]) { values <- r })
	s.ErrorIs(testutils.Receive(s.T(), values, waitTimeout).Err(), device.ErrCharacteristicNotFound)

	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })

	cause := errors.New("cccd write failed")
	s.manager.HandleEvent(platform.NotificationStateChanged{PeerID: "peer-1", Characteristic: heartRateMeasurement, Enabled: true, Err: cause})
	s.ErrorIs(testutils.Receive(s.T(), values, waitTimeout).Err(), cause)
	testutils.NoReceive(s.T(), values, quietPeriod)
}

func (s *CentralTestSuite) TestResubscribeWhilePlatformStillNotifying() {
	// GOAL: Verify Subscribe right after Unsubscribe registers the new handler
	//
	// TEST SCENARIO: Subscribe → Unsubscribe → platform still reports notifying → Subscribe →
	//                warning logged, notifications re-enabled and delivered to the new handler

	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, false).Return(nil).Once()
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(true).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()

	first := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { first <- r })
	d.Unsubscribe("2a37", "180d")

	values := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })
	s.Contains(s.helper.Messages(logrus.WarnLevel), "Notifications still enabled on the platform, re-enabling")

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{7}})
	s.Equal([]byte{7}, testutils.Receive(s.T(), values, waitTimeout).Value())
	testutils.NoReceive(s.T(), first, quietPeriod)
}

func (s *CentralTestSuite) TestStrayNotificationAfterUnsubscribe() {
	// GOAL: Verify a notification arriving after Unsubscribe is dropped with a warning
	//
	// TEST SCENARIO: Subscribe → Unsubscribe → platform delivers one more value → handler not called, warning logged

	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, false).Return(nil).Once()

	values := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })
	d.Unsubscribe("2a37", "180d")

	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	testutils.NoReceive(s.T(), values, quietPeriod)
	s.Contains(s.helper.Messages(logrus.WarnLevel), "Dropping unexpected value update callback")

	// Unsubscribing again is a no-op.
	d.Unsubscribe("2a37", "180d")
}

func (s *CentralTestSuite) TestDisconnectClearsSubscriptions() {
	d, _ := s.connect("peer-1", central.ConnectOptions{})
	s.discover(d, heartRate)
	s.platform.On("IsNotifying", "peer-1", heartRateMeasurement).Return(false).Once()
	s.platform.On("SetNotify", "peer-1", heartRateMeasurement, true).Return(nil).Once()

	values := make(chan result.Result[[]byte], 4)
	d.Subscribe("2a37", "180d", func(r result.Result[[]byte]) { values <- r })
	s.manager.HandleEvent(platform.Disconnected{PeerID: "peer-1"})

	// No SetNotify(false) is expected: the link is gone.
	d.UnsubscribeAll()
	s.manager.HandleEvent(platform.ValueUpdated{PeerID: "peer-1", Characteristic: heartRateMeasurement, Value: []byte{1}})
	testutils.NoReceive(s.T(), values, quietPeriod)
}

// ----------------------------
// Scanning and routing
// ----------------------------

func (s *CentralTestSuite) TestScanFiltersNamelessPeersAndCompletesOnce() {
	// GOAL: Verify scans report each named peer once and complete exactly once
	//
	// TEST SCENARIO: Nameless + named (twice) advertisements → one discovery → StopScan twice → one completion

	s.platform.On("StartScan", true).Return(nil).Once()
	s.platform.On("StopScan").Return().Once()

	discovered := make(chan *central.Device, 4)
	completed := make(chan []*central.Device, 2)
	s.Require().NoError(s.manager.Scan(0, func(d *central.Device) { discovered <- d }, func(ds []*central.Device) { completed <- ds }))
	s.True(s.manager.IsScanning())

	s.manager.HandleEvent(platform.PeripheralDiscovered{PeerID: "anon", RSSI: -40})
	s.manager.HandleEvent(platform.PeripheralDiscovered{PeerID: "peer-1", Name: "HRM", RSSI: -60})
	s.manager.HandleEvent(platform.PeripheralDiscovered{PeerID: "peer-1", Name: "HRM", RSSI: -55})

	d := testutils.Receive(s.T(), discovered, waitTimeout)
	s.Equal("HRM", d.Name())
	s.Equal(-55, d.RSSI(), "RSSI MUST follow the latest advertisement")
	testutils.NoReceive(s.T(), discovered, quietPeriod)

	s.manager.StopScan()
	s.manager.StopScan()
	devices := testutils.Receive(s.T(), completed, waitTimeout)
	s.Require().Len(devices, 1)
	s.True(devices[0].Equal(d))
	testutils.NoReceive(s.T(), completed, quietPeriod)
	s.False(s.manager.IsScanning())
}

func (s *CentralTestSuite) TestScanTimeout() {
	s.platform.On("StartScan", true).Return(nil).Once()
	s.platform.On("StopScan").Return().Once()

	completed := make(chan []*central.Device, 2)
	s.Require().NoError(s.manager.Scan(30*time.Millisecond, nil, func(ds []*central.Device) { completed <- ds }))
	s.Empty(testutils.Receive(s.T(), completed, waitTimeout))
}

func (s *CentralTestSuite) TestScanStartFailure() {
	s.platform.On("StartScan", true).Return(device.ErrBluetoothOff).Once()

	err := s.manager.Scan(time.Second, nil, nil)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.False(s.manager.IsScanning())
}

func (s *CentralTestSuite) TestScannedPeersAreNotRegistered() {
	// GOAL: Verify peers only seen by a scan are neither routed nor holding goroutines
	//
	// TEST SCENARIO: Scan reports 200 named peers → registry stays empty, goroutine count flat →
	//                Device(id) registers the scanned instance

	const peers = 200
	s.platform.On("StartScan", true).Return(nil).Once()
	s.platform.On("StopScan").Return().Once()

	before := runtime.NumGoroutine()
	s.Require().NoError(s.manager.Scan(0, nil, nil))
	for i := range peers {
		s.manager.HandleEvent(platform.PeripheralDiscovered{PeerID: fmt.Sprintf("peer-%03d", i), Name: "Tag", RSSI: -70})
	}
	s.manager.StopScan()

	scanned := s.manager.ScannedDevices()
	s.Require().Len(scanned, peers)
	s.Empty(s.manager.Devices(), "scanned peers MUST NOT be registered for routing")
	s.LessOrEqual(runtime.NumGoroutine()-before, 5, "scanned peers MUST NOT start queue workers")

	d := s.manager.Device(scanned[0].ID())
	s.Same(scanned[0], d, "registering a scanned peer MUST keep its instance")
	s.Len(s.manager.Devices(), 1)
}

func (s *CentralTestSuite) TestCloseCancelsEveryPendingOperation() {
	// GOAL: Verify Devices and Close reach every registered device
	//
	// TEST SCENARIO: 200 connected devices, each with an unanswered discovery → Devices lists all →
	//                Close → every discovery fails with ErrCancelled exactly once

	const peers = 200
	s.platform.On("DiscoverServices", mock.Anything, mock.Anything).Return(nil).Maybe()

	results := make(chan error, peers*2)
	for i := range peers {
		d, _ := s.connect(fmt.Sprintf("peer-%03d", i), central.ConnectOptions{})
		d.DiscoverServices(nil, func(r result.Result[[]device.Service]) { results <- r.Err() })
	}
	s.Len(s.manager.Devices(), peers, "Devices MUST list every registered device")

	s.Require().NoError(s.manager.Close())
	for range peers {
		s.ErrorIs(testutils.Receive(s.T(), results, waitTimeout), device.ErrCancelled)
	}
	testutils.NoReceive(s.T(), results, quietPeriod)
}

func (s *CentralTestSuite) TestEventForUnknownDeviceIsDropped() {
	s.manager.HandleEvent(platform.Connected{PeerID: "ghost"})
	s.Contains(s.helper.Messages(logrus.WarnLevel), "Dropping event for unknown device")
	s.Empty(s.manager.Devices())
}

func (s *CentralTestSuite) TestBluetoothStateChanges() {
	seen := make(chan device.BluetoothState, 4)
	s.manager.OnStateChanged(func(state device.BluetoothState) { seen <- state })
	s.Equal(device.StatePoweredOn, testutils.Receive(s.T(), seen, waitTimeout))

	s.manager.HandleEvent(platform.StateChanged{State: device.StatePoweredOff})
	s.Equal(device.StatePoweredOff, testutils.Receive(s.T(), seen, waitTimeout))
	s.Equal(device.StatePoweredOff, s.manager.State())
}

func (s *CentralTestSuite) TestForgetDropsDevice() {
	d := s.manager.Device("peer-1")
	s.Same(d, s.manager.Device("peer-1"), "registry MUST return the same device")

	s.manager.Forget(d)
	s.Empty(s.manager.Devices())

	err := testutils.Receive(s.T(), s.read(d, "2a37", "180d"), waitTimeout).Err()
	s.ErrorIs(err, device.ErrCancelled, "forgotten device MUST reject operations")
}

func TestCentralTestSuite(t *testing.T) {
	suite.Run(t, new(CentralTestSuite))
}
