package central

import (
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
)

// Options configures a Manager.
type Options struct {
	// OperationTimeout bounds every queued GATT operation. Zero disables it.
	OperationTimeout time.Duration
}

type scanSession struct {
	onDiscovered func(*Device)
	onComplete   func([]*Device)
	timer        *time.Timer
}

// Manager is the central role: it scans, owns the device registry and
// routes every platform event to the device it belongs to.
type Manager struct {
	platform platform.Central
	logger   *logrus.Logger
	opts     Options

	// devices is the routing table of peer-keyed platform events. It is
	// written under mu, before any connect or disconnect request is issued.
	// Peers only seen by a scan are not part of it.
	devices *hashmap.Map[string, *Device]

	mu           sync.Mutex
	state        device.BluetoothState
	stateHandler func(device.BluetoothState)
	scan         *scanSession
	scanned      *orderedmap.OrderedMap[string, *Device]
}

// NewManager creates a Manager and installs it as the event handler of p.
func NewManager(p platform.Central, opts Options, logger *logrus.Logger) *Manager {
	m := &Manager{
		platform: p,
		logger:   device.LoggerOrNop(logger),
		opts:     opts,
		devices:  hashmap.New[string, *Device](),
		state:    p.State(),
		scanned:  orderedmap.New[string, *Device](),
	}
	p.SetEventHandler(m.HandleEvent)
	return m
}

// State returns the last known adapter state.
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
// Scanning
// ----------------------------

// Scan discovers named peripherals. onDiscovered is called once per new
// peer; onComplete is called once with every peer seen when the scan ends,
// after timeout or on StopScan. A zero timeout scans until StopScan.
// A scan already running is completed first.
func (m *Manager) Scan(timeout time.Duration, onDiscovered func(*Device), onComplete func([]*Device)) error {
	m.StopScan()

	session := &scanSession{onDiscovered: onDiscovered, onComplete: onComplete}
	m.mu.Lock()
	m.scan = session
	m.scanned = orderedmap.New[string, *Device]()
	m.mu.Unlock()

	if err := m.platform.StartScan(true); err != nil {
		m.mu.Lock()
		if m.scan == session {
			m.scan = nil
		}
		m.mu.Unlock()
		m.logger.WithField("error", err).Error("Failed to start scan")
		return device.WrapPlatform("scan", err)
	}

	m.logger.WithField("timeout", timeout).Info("Scanning for devices...")
	if timeout > 0 {
		m.mu.Lock()
		if m.scan == session {
			session.timer = time.AfterFunc(timeout, func() { m.finishScan(session) })
		}
		m.mu.Unlock()
	}
	return nil
}

// StopScan ends the running scan, if any, and reports its completion.
func (m *Manager) StopScan() {
	m.mu.Lock()
	session := m.scan
	m.mu.Unlock()
	m.finishScan(session)
}

func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan != nil
}

// ScannedDevices returns the peers seen by the running or last scan.
func (m *Manager) ScannedDevices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scannedLocked()
}

func (m *Manager) scannedLocked() []*Device {
	devices := make([]*Device, 0, m.scanned.Len())
	for pair := m.scanned.Oldest(); pair != nil; pair = pair.Next() {
		devices = append(devices, pair.Value)
	}
	return devices
}

func (m *Manager) finishScan(session *scanSession) {
	if session == nil {
		return
	}
	m.mu.Lock()
	if m.scan != session {
		m.mu.Unlock()
		return
	}
	m.scan = nil
	if session.timer != nil {
		session.timer.Stop()
	}
	devices := m.scannedLocked()
	m.mu.Unlock()

	m.platform.StopScan()
	m.logger.WithField("devices", len(devices)).Info("Scan complete")

	if session.onComplete != nil {
		session.onComplete(devices)
	}
}

func (m *Manager) handleDiscovered(e platform.PeripheralDiscovered) {
	if e.Name == "" {
		return
	}

	m.mu.Lock()
	session := m.scan
	if session == nil {
		m.mu.Unlock()
		m.logger.WithField("peer", e.PeerID).Debug("Ignoring advertisement outside of a scan")
		return
	}
	d := m.deviceLocked(e.PeerID, false)
	d.updateAdvertisement(e.Name, e.RSSI)
	_, seen := m.scanned.Get(e.PeerID)
	if !seen {
		m.scanned.Set(e.PeerID, d)
	}
	m.mu.Unlock()

	if !seen {
		m.logger.WithFields(logrus.Fields{
			"peer": e.PeerID,
			"name": e.Name,
			"rssi": e.RSSI,
		}).Debug("Discovered device")
		if session.onDiscovered != nil {
			session.onDiscovered(d)
		}
	}
}

// ----------------------------
// Registry
// ----------------------------

// Device returns the registered device with the given peer id. A peer seen
// by a scan is registered as is; an unknown one is created.
func (m *Manager) Device(id string) *Device {
	if d, ok := m.devices.Get(id); ok {
		return d
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceLocked(id, true)
}

// deviceLocked looks id up in the registry, then in the scanned set, and
// creates it when missing. Caller holds mu.
func (m *Manager) deviceLocked(id string, register bool) *Device {
	if d, ok := m.devices.Get(id); ok {
		return d
	}
	d, ok := m.scanned.Get(id)
	if !ok {
		d = newDevice(id, m)
	}
	if register {
		m.devices.Set(id, d)
	}
	return d
}

// Devices returns every registered device.
func (m *Manager) Devices() []*Device {
	devices := make([]*Device, 0, m.devices.Len())
	m.devices.Range(func(_ string, d *Device) bool {
		devices = append(devices, d)
		return true
	})
	return devices
}

// Forget drops d from the registry and cancels its pending operations.
// Events for d are dropped afterwards.
func (m *Manager) Forget(d *Device) {
	m.mu.Lock()
	if current, ok := m.devices.Get(d.id); ok && current == d {
		m.devices.Del(d.id)
	}
	m.scanned.Delete(d.id)
	m.mu.Unlock()
	d.queue.Close()
}

func (m *Manager) register(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.devices.Get(d.id); !ok || current != d {
		m.devices.Set(d.id, d)
	}
}

func (m *Manager) connect(d *Device) error {
	m.register(d)
	return m.platform.Connect(d.id)
}

func (m *Manager) disconnect(d *Device) error {
	m.register(d)
	return m.platform.CancelConnection(d.id)
}

// ----------------------------
// Event demultiplexing
// ----------------------------

// HandleEvent is the single entry point of platform events.
func (m *Manager) HandleEvent(ev platform.Event) {
	switch e := ev.(type) {
	case platform.StateChanged:
		m.handleState(e.State)
	case platform.PeripheralDiscovered:
		m.handleDiscovered(e)
	case platform.PeerEvent:
		d, ok := m.devices.Get(e.Peer())
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"peer":  e.Peer(),
				"event": fmt.Sprintf("%T", ev),
			}).Warn("Dropping event for unknown device")
			return
		}
		d.handleEvent(e)
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

// Close stops scanning, cancels every pending operation and closes the platform.
func (m *Manager) Close() error {
	m.StopScan()
	m.devices.Range(func(_ string, d *Device) bool {
		d.queue.Close()
		return true
	})
	return m.platform.Close()
}
