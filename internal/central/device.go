package central

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/srg/gattq/internal/queue"
	"github.com/srg/gattq/internal/result"
)

// discoverServicesKey is the correlation key of service discovery items.
const discoverServicesKey = "discoverServices"

// StateHandler observes connection transitions started by Connect. err is
// set when the link failed or dropped unexpectedly.
type StateHandler func(state device.ConnectionState, err error)

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Timeout fails the attempt with device.ErrTimeout when the link is
	// still connecting after it elapsed. Zero waits forever.
	Timeout time.Duration

	// AutoReconnect reconnects with the same handler after every disconnect
	// that was not requested with Disconnect(false).
	AutoReconnect bool
}

// DiscoveredCharacteristics is the result of characteristic discovery.
type DiscoveredCharacteristics struct {
	Service         device.Service
	Characteristics []device.Characteristic
}

type subscription struct {
	ref     platform.CharacteristicRef
	handler func(result.Result[[]byte])
}

// Device is a remote peripheral. GATT operations are queued and executed
// one at a time; each reports its outcome exactly once.
type Device struct {
	id      string
	manager *Manager
	logger  *logrus.Logger
	queue   *queue.OperationQueue

	mu             sync.Mutex
	name           string
	rssi           int
	state          device.ConnectionState
	autoReconnect  bool
	connectOpts    ConnectOptions
	onState        StateHandler
	stateHandlers  []func(device.ConnectionState)
	services       *orderedmap.OrderedMap[string, device.Service]
	subscriptions  map[string]subscription
	connectTimer   *time.Timer
	connectAttempt uint64
	timedOut       bool
}

func newDevice(id string, m *Manager) *Device {
	return &Device{
		id:            id,
		manager:       m,
		logger:        m.logger,
		queue:         queue.New(id, m.logger),
		state:         device.Disconnected,
		services:      orderedmap.New[string, device.Service](),
		subscriptions: make(map[string]subscription),
	}
}

// ID returns the platform peer identifier.
func (d *Device) ID() string {
	return d.id
}

func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// RSSI returns the signal strength of the last advertisement seen.
func (d *Device) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi
}

func (d *Device) State() device.ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) IsConnected() bool {
	return d.State() == device.Connected
}

// Equal reports whether d and other refer to the same peer.
func (d *Device) Equal(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.id == other.id
}

func (d *Device) String() string {
	name := d.Name()
	if name == "" {
		return d.id
	}
	return fmt.Sprintf("%s (%s)", name, d.id)
}

// Services returns the last discovery snapshot, in discovery order.
func (d *Device) Services() []device.Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	services := make([]device.Service, 0, d.services.Len())
	for pair := d.services.Oldest(); pair != nil; pair = pair.Next() {
		services = append(services, pair.Value)
	}
	return services
}

// Service returns a service of the last discovery snapshot.
func (d *Device) Service(uuid string) (device.Service, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services.Get(device.NormalizeUUID(uuid))
}

// OnConnectionStateChanged registers h. It is called right away with the
// current state and then on every transition.
func (d *Device) OnConnectionStateChanged(h func(device.ConnectionState)) {
	d.mu.Lock()
	d.stateHandlers = append(d.stateHandlers, h)
	state := d.state
	d.mu.Unlock()
	h(state)
}

func (d *Device) updateAdvertisement(name string, rssi int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		d.name = name
	}
	d.rssi = rssi
}

func (d *Device) log() *logrus.Entry {
	return d.logger.WithField("peer", d.id)
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect starts connecting. onState sees Connecting, Connected,
// Disconnecting and Disconnected, once per actual transition.
func (d *Device) Connect(opts ConnectOptions, onState StateHandler) error {
	d.mu.Lock()
	if d.state != device.Disconnected {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: device is %s", device.ErrAlreadyConnected, state)
	}
	d.connectOpts = opts
	d.autoReconnect = opts.AutoReconnect
	d.onState = onState
	d.mu.Unlock()

	return d.connect()
}

func (d *Device) connect() error {
	d.transition(device.Connecting, nil)

	d.mu.Lock()
	d.connectAttempt++
	d.timedOut = false
	if timeout := d.connectOpts.Timeout; timeout > 0 {
		attempt := d.connectAttempt
		d.connectTimer = time.AfterFunc(timeout, func() { d.connectTimedOut(attempt) })
	}
	d.mu.Unlock()

	if err := d.manager.connect(d); err != nil {
		err = device.WrapPlatform("connect", err)
		d.log().WithField("error", err).Error("Failed to start connection")
		d.finishDisconnect(err, false)
		return err
	}
	return nil
}

func (d *Device) connectTimedOut(attempt uint64) {
	d.mu.Lock()
	if d.state != device.Connecting || attempt != d.connectAttempt {
		d.mu.Unlock()
		return
	}
	d.timedOut = true
	timeout := d.connectOpts.Timeout
	d.mu.Unlock()

	d.log().WithField("timeout", timeout).Warn("Connection attempt timed out, cancelling")
	if err := d.manager.disconnect(d); err != nil {
		d.finishDisconnect(device.ErrTimeout, true)
	}
}

func (d *Device) stopConnectTimer() {
	if d.connectTimer != nil {
		d.connectTimer.Stop()
		d.connectTimer = nil
	}
}

// Disconnect drops the link. autoReconnect replaces the flag given to Connect.
func (d *Device) Disconnect(autoReconnect bool) {
	d.mu.Lock()
	d.autoReconnect = autoReconnect
	state := d.state
	d.mu.Unlock()

	if state == device.Disconnected || state == device.Disconnecting {
		return
	}

	d.transition(device.Disconnecting, nil)
	if err := d.manager.disconnect(d); err != nil {
		d.log().WithField("error", err).Warn("Failed to cancel connection")
		d.finishDisconnect(nil, true)
	}
}

func (d *Device) transition(state device.ConnectionState, err error) {
	d.mu.Lock()
	if d.state == state {
		d.mu.Unlock()
		return
	}
	previous := d.state
	d.state = state
	onState := d.onState
	handlers := slices.Clone(d.stateHandlers)
	d.mu.Unlock()

	d.log().WithFields(logrus.Fields{
		"from":  previous.String(),
		"to":    state.String(),
		"error": err,
	}).Debug("Connection state changed")

	if onState != nil {
		onState(state, err)
	}
	for _, h := range handlers {
		h(state)
	}
}

func (d *Device) handleConnected() {
	d.mu.Lock()
	if d.state != device.Connecting {
		state := d.state
		d.mu.Unlock()
		d.log().WithField("state", state.String()).Debug("Ignoring connect event")
		return
	}
	d.stopConnectTimer()
	d.mu.Unlock()

	d.log().Info("Connected")
	d.transition(device.Connected, nil)
}

func (d *Device) handleConnectFailed(err error) {
	d.mu.Lock()
	state := d.state
	timedOut := d.timedOut
	d.mu.Unlock()

	switch {
	case state == device.Disconnected:
		d.log().WithField("error", err).Warn("Dropping connect failure for disconnected device")
		return
	case timedOut:
		err = device.ErrTimeout
	case state == device.Disconnecting:
		err = nil
	default:
		err = device.WrapPlatform("connect", err)
	}
	d.finishDisconnect(err, true)
}

func (d *Device) handleDisconnected(err error) {
	d.mu.Lock()
	requested := d.state == device.Disconnecting
	d.mu.Unlock()

	if requested {
		err = nil
	} else if err == nil {
		err = device.ErrDisconnected
	}
	d.finishDisconnect(err, true)
}

// finishDisconnect cancels the queue in full, clears subscriptions and
// reconnects when asked to. The state is Disconnected before any item is
// cancelled, so operations submitted from a cancelled callback fail with
// ErrDisconnected instead of reaching the platform.
func (d *Device) finishDisconnect(err error, allowReconnect bool) {
	d.mu.Lock()
	if d.state == device.Disconnected {
		d.mu.Unlock()
		return
	}
	d.stopConnectTimer()
	d.subscriptions = make(map[string]subscription)
	reconnect := allowReconnect && d.autoReconnect
	d.mu.Unlock()

	d.transition(device.Disconnected, err)
	d.queue.CancelAll(device.ErrDisconnected)

	if reconnect {
		d.log().Info("Auto-reconnecting")
		if cerr := d.connect(); cerr != nil {
			d.log().WithField("error", cerr).Warn("Auto-reconnect failed")
		}
	}
}

// ----------------------------
// GATT operations
// ----------------------------

func submit[T any](d *Device, name string, exec queue.ExecFunc[T], complete func(result.Result[T])) {
	item := queue.NewItem(exec, func(res result.Result[T], done func()) {
		if complete != nil {
			complete(res)
		}
	}, queue.WithName(name), queue.WithTimeout(d.manager.opts.OperationTimeout))
	d.queue.PushBack(item)
}

// resolve maps (service, characteristic) onto the discovery snapshot.
func (d *Device) resolve(service, characteristic string) (platform.CharacteristicRef, error) {
	ref := platform.CharacteristicRef{
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
	}
	notFound := &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}

	d.mu.Lock()
	svc, ok := d.services.Get(ref.Service)
	d.mu.Unlock()
	if !ok {
		return ref, notFound
	}
	if _, ok := svc.Characteristic(ref.Characteristic); !ok {
		return ref, notFound
	}
	return ref, nil
}

// DiscoverServices discovers the peer's services. filter limits discovery
// to the given UUIDs; nil discovers all. On success the discovery snapshot
// is replaced.
func (d *Device) DiscoverServices(filter []string, complete func(result.Result[[]device.Service])) {
	submit(d, discoverServicesKey, func(finish func(result.Result[[]device.Service])) {
		if !d.IsConnected() {
			finish(result.Failure[[]device.Service](device.ErrDisconnected))
			return
		}
		if err := d.manager.platform.DiscoverServices(d.id, device.NormalizeUUIDs(filter)); err != nil {
			finish(result.Failure[[]device.Service](device.WrapPlatform("discover services", err)))
		}
	}, complete)
}

// DiscoverCharacteristics discovers the characteristics of a known service.
func (d *Device) DiscoverCharacteristics(service string, filter []string, complete func(result.Result[DiscoveredCharacteristics])) {
	serviceID := device.NormalizeUUID(service)
	submit(d, serviceID, func(finish func(result.Result[DiscoveredCharacteristics])) {
		if !d.IsConnected() {
			finish(result.Failure[DiscoveredCharacteristics](device.ErrDisconnected))
			return
		}
		if _, ok := d.Service(serviceID); !ok {
			finish(result.Failure[DiscoveredCharacteristics](&device.NotFoundError{Resource: "service", UUIDs: []string{service}}))
			return
		}
		if err := d.manager.platform.DiscoverCharacteristics(d.id, serviceID, device.NormalizeUUIDs(filter)); err != nil {
			finish(result.Failure[DiscoveredCharacteristics](device.WrapPlatform("discover characteristics", err)))
		}
	}, complete)
}

// Read reads the current value of a characteristic.
func (d *Device) Read(characteristic, service string, complete func(result.Result[[]byte])) {
	submit(d, device.CompositeID(service, characteristic), func(finish func(result.Result[[]byte])) {
		if !d.IsConnected() {
			finish(result.Failure[[]byte](device.ErrDisconnected))
			return
		}
		ref, err := d.resolve(service, characteristic)
		if err != nil {
			finish(result.Failure[[]byte](err))
			return
		}
		if err := d.manager.platform.ReadValue(d.id, ref); err != nil {
			finish(result.Failure[[]byte](device.WrapPlatform("read", err)))
		}
	}, complete)
}

// Write writes data to a characteristic. WithoutResponse writes complete as
// soon as the platform accepted them.
func (d *Device) Write(data []byte, characteristic, service string, mode platform.WriteMode, complete func(result.Result[struct{}])) {
	payload := append([]byte(nil), data...)
	submit(d, device.CompositeID(service, characteristic), func(finish func(result.Result[struct{}])) {
		if !d.IsConnected() {
			finish(result.Failure[struct{}](device.ErrDisconnected))
			return
		}
		ref, err := d.resolve(service, characteristic)
		if err != nil {
			finish(result.Failure[struct{}](err))
			return
		}
		if err := d.manager.platform.WriteValue(d.id, ref, payload, mode); err != nil {
			finish(result.Failure[struct{}](device.WrapPlatform("write", err)))
			return
		}
		if mode == platform.WithoutResponse {
			finish(result.Success(struct{}{}))
		}
	}, complete)
}

// Subscribe registers handler for notifications of a characteristic. It is
// not queued. Subscribing twice without Unsubscribe is a no-op; precondition
// failures are delivered to handler once.
func (d *Device) Subscribe(characteristic, service string, handler func(result.Result[[]byte])) {
	if handler == nil {
		handler = func(result.Result[[]byte]) {}
	}
	if !d.IsConnected() {
		handler(result.Failure[[]byte](device.ErrDisconnected))
		return
	}
	ref, err := d.resolve(service, characteristic)
	if err != nil {
		handler(result.Failure[[]byte](err))
		return
	}
	key := ref.Key()
	log := d.log().WithField("char_uuid", key)

	d.mu.Lock()
	if _, exists := d.subscriptions[key]; exists {
		d.mu.Unlock()
		log.Debug("Already subscribed")
		return
	}
	d.subscriptions[key] = subscription{ref: ref, handler: handler}
	d.mu.Unlock()

	// The platform flag may still be set while an earlier disable is in flight.
	if d.manager.platform.IsNotifying(d.id, ref) {
		log.Warn("Notifications still enabled on the platform, re-enabling")
	}

	if err := d.manager.platform.SetNotify(d.id, ref, true); err != nil {
		d.mu.Lock()
		delete(d.subscriptions, key)
		d.mu.Unlock()
		handler(result.Failure[[]byte](device.WrapPlatform("subscribe", err)))
		return
	}
	log.Debug("Subscribing to notifications")
}

// Unsubscribe removes the handler and disables notifications. It is a no-op
// when not subscribed.
func (d *Device) Unsubscribe(characteristic, service string) {
	key := device.CompositeID(service, characteristic)

	d.mu.Lock()
	sub, ok := d.subscriptions[key]
	delete(d.subscriptions, key)
	d.mu.Unlock()

	if ok {
		d.disableNotify(sub.ref)
	}
}

// UnsubscribeAll removes every subscription.
func (d *Device) UnsubscribeAll() {
	d.mu.Lock()
	subs := d.subscriptions
	d.subscriptions = make(map[string]subscription)
	d.mu.Unlock()

	for _, sub := range subs {
		d.disableNotify(sub.ref)
	}
}

func (d *Device) disableNotify(ref platform.CharacteristicRef) {
	if !d.IsConnected() {
		return
	}
	if err := d.manager.platform.SetNotify(d.id, ref, false); err != nil {
		d.log().WithFields(logrus.Fields{
			"char_uuid": ref.Key(),
			"error":     err,
		}).Warn("Failed to disable notifications")
	}
}

// ----------------------------
// Platform event handling
// ----------------------------

func (d *Device) handleEvent(ev platform.PeerEvent) {
	switch e := ev.(type) {
	case platform.Connected:
		d.handleConnected()
	case platform.ConnectFailed:
		d.handleConnectFailed(e.Err)
	case platform.Disconnected:
		d.handleDisconnected(e.Err)
	case platform.ServicesDiscovered:
		d.handleServicesDiscovered(e)
	case platform.CharacteristicsDiscovered:
		d.handleCharacteristicsDiscovered(e)
	case platform.ValueUpdated:
		d.handleValueUpdated(e)
	case platform.ValueWritten:
		d.handleValueWritten(e)
	case platform.NotificationStateChanged:
		d.handleNotificationStateChanged(e)
	default:
		d.log().WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring event")
	}
}

func (d *Device) stray(what, key string, err error) {
	d.log().WithFields(logrus.Fields{
		"op":    key,
		"error": err,
	}).Warnf("Dropping unexpected %s callback", what)
}

func (d *Device) handleServicesDiscovered(e platform.ServicesDiscovered) {
	item, ok := queue.ExecutingItem[[]device.Service](d.queue, discoverServicesKey)
	if !ok {
		d.stray("service discovery", discoverServicesKey, e.Err)
		return
	}
	if e.Err != nil {
		item.Notify(result.Failure[[]device.Service](device.WrapPlatform("discover services", e.Err)))
		return
	}

	services := orderedmap.New[string, device.Service]()
	list := make([]device.Service, 0, len(e.Services))
	for _, svc := range e.Services {
		svc.UUID = device.NormalizeUUID(svc.UUID)
		services.Set(svc.UUID, svc)
		list = append(list, svc)
	}

	d.mu.Lock()
	d.services = services
	d.mu.Unlock()

	item.Notify(result.Success(list))
}

func (d *Device) handleCharacteristicsDiscovered(e platform.CharacteristicsDiscovered) {
	serviceID := device.NormalizeUUID(e.Service)
	item, ok := queue.ExecutingItem[DiscoveredCharacteristics](d.queue, serviceID)
	if !ok {
		d.stray("characteristic discovery", serviceID, e.Err)
		return
	}
	if e.Err != nil {
		item.Notify(result.Failure[DiscoveredCharacteristics](device.WrapPlatform("discover characteristics", e.Err)))
		return
	}

	chars := make([]device.Characteristic, 0, len(e.Characteristics))
	for _, c := range e.Characteristics {
		c.UUID = device.NormalizeUUID(c.UUID)
		chars = append(chars, c)
	}
	svc := device.Service{UUID: serviceID, Characteristics: chars}

	d.mu.Lock()
	d.services.Set(serviceID, svc)
	d.mu.Unlock()

	item.Notify(result.Success(DiscoveredCharacteristics{Service: svc, Characteristics: chars}))
}

func (d *Device) handleValueUpdated(e platform.ValueUpdated) {
	key := e.Characteristic.Key()
	if item, ok := queue.ExecutingItem[[]byte](d.queue, key); ok {
		if e.Err != nil {
			item.Notify(result.Failure[[]byte](device.WrapPlatform("read", e.Err)))
		} else {
			item.Notify(result.Success(e.Value))
		}
		return
	}

	d.mu.Lock()
	sub, ok := d.subscriptions[key]
	d.mu.Unlock()
	if !ok {
		d.stray("value update", key, e.Err)
		return
	}
	if e.Err != nil {
		sub.handler(result.Failure[[]byte](device.WrapPlatform("notification", e.Err)))
		return
	}
	sub.handler(result.Success(e.Value))
}

func (d *Device) handleValueWritten(e platform.ValueWritten) {
	key := e.Characteristic.Key()
	item, ok := queue.ExecutingItem[struct{}](d.queue, key)
	if !ok {
		d.stray("write", key, e.Err)
		return
	}
	if e.Err != nil {
		item.Notify(result.Failure[struct{}](device.WrapPlatform("write", e.Err)))
		return
	}
	item.Notify(result.Success(struct{}{}))
}

func (d *Device) handleNotificationStateChanged(e platform.NotificationStateChanged) {
	key := e.Characteristic.Key()
	log := d.log().WithFields(logrus.Fields{
		"char_uuid": key,
		"enabled":   e.Enabled,
	})
	if e.Err == nil {
		log.Debug("Notification state changed")
		return
	}

	d.mu.Lock()
	sub, ok := d.subscriptions[key]
	if ok && e.Enabled {
		delete(d.subscriptions, key)
	}
	d.mu.Unlock()

	log.WithField("error", e.Err).Warn("Failed to change notification state")
	if ok && e.Enabled {
		sub.handler(result.Failure[[]byte](device.WrapPlatform("subscribe", e.Err)))
	}
}
