// Package peripheral implements the peripheral role: a local GATT server
// with request handlers and a flow-controlled notification queue.
package peripheral

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/srg/gattq/internal/result"
)

// registry holds the local GATT table, keyed by normalized characteristic UUID.
type registry struct {
	reads            *hashmap.Map[string, ReadHandler]
	writes           *hashmap.Map[string, WriteHandler]
	writesNoResponse *hashmap.Map[string, WriteNoResponseHandler]
	notifies         *hashmap.Map[string, NotifyHandler]

	// services maps every local characteristic to its service.
	services *hashmap.Map[string, string]
	// subscribers maps a characteristic to its subscribed central.
	subscribers *hashmap.Map[string, string]
}

func newRegistry() *registry {
	return &registry{
		reads:            hashmap.New[string, ReadHandler](),
		writes:           hashmap.New[string, WriteHandler](),
		writesNoResponse: hashmap.New[string, WriteNoResponseHandler](),
		notifies:         hashmap.New[string, NotifyHandler](),
		services:         hashmap.New[string, string](),
		subscribers:      hashmap.New[string, string](),
	}
}

// Manager is the peripheral role: it hosts local services, answers read and
// write requests with the registered handlers and emits notifications in
// FIFO order.
type Manager struct {
	platform  platform.Peripheral
	logger    *logrus.Logger
	table     atomic.Pointer[registry]
	emissions *EmissionQueue

	mu           sync.Mutex
	state        device.BluetoothState
	stateHandler func(device.BluetoothState)
	services     *orderedmap.OrderedMap[string, Service]
	advTimer     *time.Timer
}

// NewManager creates a Manager and installs it as the event handler of p.
func NewManager(p platform.Peripheral, logger *logrus.Logger) *Manager {
	m := &Manager{
		platform: p,
		logger:   device.LoggerOrNop(logger),
		state:    p.State(),
		services: orderedmap.New[string, Service](),
	}
	m.table.Store(newRegistry())
	m.emissions = NewEmissionQueue(m.send)
	p.SetEventHandler(m.HandleEvent)
	return m
}

func (m *Manager) State() device.BluetoothState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChanged registers the adapter state handler. It is called right
// away with the current state and then on every change.
func (m *Manager) OnStateChanged(h func(device.BluetoothState)) {
	m.mu.Lock()
	m.stateHandler = h
	state := m.state
	m.mu.Unlock()

	if h != nil {
		h(state)
	}
}

// ----------------------------
// Local GATT table
// ----------------------------

// AddService publishes svc and registers the handlers of its properties.
func (m *Manager) AddService(svc Service) error {
	if err := svc.validate(); err != nil {
		return err
	}
	local := svc.descriptor()
	if err := m.platform.AddService(local); err != nil {
		m.logger.WithFields(logrus.Fields{
			"service": local.UUID,
			"error":   err,
		}).Error("Failed to add service")
		return device.WrapPlatform("add service", err)
	}

	reg := m.table.Load()
	for _, c := range svc.Characteristics {
		key := device.NormalizeUUID(c.UUID)
		reg.services.Set(key, local.UUID)
		for _, p := range c.Properties {
			p.register(reg, key)
		}
	}

	m.mu.Lock()
	m.services.Set(local.UUID, svc)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"service":         local.UUID,
		"characteristics": len(local.Characteristics),
	}).Info("Service added")
	return nil
}

// RemoveAllServices unpublishes every local service and drops pending emissions.
func (m *Manager) RemoveAllServices() error {
	if err := m.platform.RemoveAllServices(); err != nil {
		return device.WrapPlatform("remove services", err)
	}
	m.table.Store(newRegistry())
	m.emissions.Clear()

	m.mu.Lock()
	m.services = orderedmap.New[string, Service]()
	m.mu.Unlock()
	return nil
}

// Services returns the local services in the order they were added.
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	services := make([]Service, 0, m.services.Len())
	for pair := m.services.Oldest(); pair != nil; pair = pair.Next() {
		services = append(services, pair.Value)
	}
	return services
}

// ----------------------------
// Advertising
// ----------------------------

// Advertise starts advertising name and serviceIDs. A positive timeout stops
// advertising once it elapses; zero advertises until StopAdvertising.
func (m *Manager) Advertise(name string, serviceIDs []string, timeout time.Duration) error {
	ids := device.NormalizeUUIDs(serviceIDs)
	if err := m.platform.StartAdvertising(name, ids); err != nil {
		m.logger.WithField("error", err).Error("Failed to start advertising")
		return device.WrapPlatform("advertise", err)
	}

	m.mu.Lock()
	if m.advTimer != nil {
		m.advTimer.Stop()
		m.advTimer = nil
	}
	if timeout > 0 {
		m.advTimer = time.AfterFunc(timeout, func() {
			m.logger.WithField("timeout", timeout).Info("Advertising timed out")
			if err := m.StopAdvertising(); err != nil {
				m.logger.WithField("error", err).Warn("Failed to stop advertising")
			}
		})
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"name":     name,
		"services": ids,
		"timeout":  timeout,
	}).Info("Advertising...")
	return nil
}

func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	if m.advTimer != nil {
		m.advTimer.Stop()
		m.advTimer = nil
	}
	m.mu.Unlock()

	return device.WrapPlatform("stop advertising", m.platform.StopAdvertising())
}

func (m *Manager) IsAdvertising() bool {
	return m.platform.IsAdvertising()
}

// ----------------------------
// Notifications
// ----------------------------

// Emit queues data for the subscriber of characteristic. It returns false
// when characteristic is not hosted locally.
func (m *Manager) Emit(data []byte, characteristic string) bool {
	key := device.NormalizeUUID(characteristic)
	if _, ok := m.table.Load().services.Get(key); !ok {
		m.logger.WithField("char_uuid", characteristic).Warn("Cannot emit on unknown characteristic")
		return false
	}
	m.emissions.Push(Emission{Characteristic: key, Data: append([]byte(nil), data...)})
	return true
}

// IsSubscribed reports whether a central is subscribed to characteristic.
func (m *Manager) IsSubscribed(characteristic string) bool {
	_, ok := m.table.Load().subscribers.Get(device.NormalizeUUID(characteristic))
	return ok
}

func (m *Manager) send(e Emission) bool {
	if !m.platform.UpdateValue(e.Characteristic, e.Data) {
		m.logger.WithFields(logrus.Fields{
			"char_uuid": e.Characteristic,
			"pending":   m.emissions.Len() + 1,
			"error":     device.ErrBackpressure,
		}).Debug("Notification back-pressure, pausing")
		return false
	}
	// The platform accepts and drops values nobody subscribed to.
	if !m.IsSubscribed(e.Characteristic) {
		m.logger.WithField("char_uuid", e.Characteristic).Debug("No subscribed central, notification dropped")
		return true
	}
	if h, ok := m.table.Load().notifies.Get(e.Characteristic); ok {
		h(result.Success(e.Data))
	}
	return true
}

// ----------------------------
// Platform event handling
// ----------------------------

// HandleEvent is the single entry point of platform events.
func (m *Manager) HandleEvent(ev platform.Event) {
	switch e := ev.(type) {
	case platform.StateChanged:
		m.handleState(e.State)
	case platform.AdvertisingStarted:
		if e.Err != nil {
			m.logger.WithField("error", e.Err).Error("Advertising failed to start")
			return
		}
		m.logger.Debug("Advertising started")
	case platform.AdvertisingStopped:
		m.logger.Debug("Advertising stopped")
	case platform.CentralSubscribed:
		m.table.Load().subscribers.Set(e.Characteristic, e.CentralID)
		m.logger.WithFields(logrus.Fields{
			"char_uuid": e.Characteristic,
			"central":   e.CentralID,
		}).Info("Central subscribed")
	case platform.CentralUnsubscribed:
		subscribers := m.table.Load().subscribers
		if central, ok := subscribers.Get(e.Characteristic); ok && central == e.CentralID {
			subscribers.Del(e.Characteristic)
		}
		m.logger.WithFields(logrus.Fields{
			"char_uuid": e.Characteristic,
			"central":   e.CentralID,
		}).Info("Central unsubscribed")
	case platform.ReadRequest:
		m.handleRead(e)
	case platform.WriteRequests:
		for _, req := range e.Requests {
			m.handleWrite(req)
		}
	case platform.ReadyToUpdate:
		m.emissions.Ready()
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring event")
	}
}

func (m *Manager) handleState(state device.BluetoothState) {
	m.mu.Lock()
	m.state = state
	h := m.stateHandler
	m.mu.Unlock()

	m.logger.WithField("state", state.String()).Infof("Bluetooth state is %s", state)
	if h != nil {
		h(state)
	}
}

func (m *Manager) handleRead(req platform.ReadRequest) {
	log := m.logger.WithFields(logrus.Fields{
		"char_uuid": req.Characteristic,
		"central":   req.CentralID,
		"request":   req.RequestID,
	})

	h, ok := m.table.Load().reads.Get(req.Characteristic)
	if !ok {
		log.Warn("No read handler, rejecting request")
		m.respondToRead(log, req.RequestID, nil, device.ErrReadNotPermitted)
		return
	}

	var once sync.Once
	h(func(res result.Result[[]byte]) {
		once.Do(func() {
			value, err := res.Get()
			if err != nil {
				log.WithField("error", err).Debug("Read handler failed")
			}
			m.respondToRead(log, req.RequestID, value, err)
		})
	})
}

func (m *Manager) respondToRead(log *logrus.Entry, id uint64, value []byte, err error) {
	if rerr := m.platform.RespondToRead(id, value, err); rerr != nil {
		log.WithField("error", rerr).Warn("Failed to respond to read request")
	}
}

func (m *Manager) handleWrite(req platform.WriteRequest) {
	log := m.logger.WithFields(logrus.Fields{
		"char_uuid": req.Characteristic,
		"central":   req.CentralID,
		"request":   req.RequestID,
	})

	reg := m.table.Load()
	noResponse, hasNoResponse := reg.writesNoResponse.Get(req.Characteristic)
	if hasNoResponse {
		noResponse(append([]byte(nil), req.Value...))
	}

	h, ok := reg.writes.Get(req.Characteristic)
	switch {
	case ok:
		var once sync.Once
		h(append([]byte(nil), req.Value...), func(res result.Result[struct{}]) {
			once.Do(func() {
				if !req.ResponseRequired {
					return
				}
				if err := res.Err(); err != nil {
					log.WithField("error", err).Debug("Write handler rejected request")
				}
				m.respondToWrite(log, req.RequestID, res.Err())
			})
		})
	case !req.ResponseRequired:
	case hasNoResponse:
		m.respondToWrite(log, req.RequestID, nil)
	default:
		log.Warn("No write handler, rejecting request")
		m.respondToWrite(log, req.RequestID, device.ErrWriteNotPermitted)
	}
}

func (m *Manager) respondToWrite(log *logrus.Entry, id uint64, err error) {
	if rerr := m.platform.RespondToWrite(id, err); rerr != nil {
		log.WithField("error", rerr).Warn("Failed to respond to write request")
	}
}

// Close stops advertising, drops pending emissions and closes the platform.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.advTimer != nil {
		m.advTimer.Stop()
		m.advTimer = nil
	}
	m.mu.Unlock()

	m.emissions.Clear()
	return m.platform.Close()
}
