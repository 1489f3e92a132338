package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/platform"
)

// disconnectNotifier is implemented by clients that report link loss
// (CoreBluetooth and the linux HCI client both do).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// remotePeer is the adapter side state of one remote peripheral.
type remotePeer struct {
	id string

	mu            sync.Mutex
	client        ble.Client
	dialCancel    context.CancelFunc
	disconnecting bool
	services      map[string]*ble.Service        // normalized service UUID
	chars         map[string]*ble.Characteristic // composite id
	notifying     map[string]bool                // composite id
}

func newRemotePeer(id string) *remotePeer {
	return &remotePeer{id: id}
}

// reset clears the GATT handles of a new or dropped link. Caller holds mu.
func (p *remotePeer) reset(client ble.Client) {
	p.client = client
	p.disconnecting = false
	p.services = make(map[string]*ble.Service)
	p.chars = make(map[string]*ble.Characteristic)
	p.notifying = make(map[string]bool)
}

// Central implements platform.Central on top of a go-ble device.
type Central struct {
	dev        ble.Device
	logger     *logrus.Logger
	dispatcher *platform.Dispatcher

	// peers is written under peersMu only.
	peersMu sync.Mutex
	peers   *hashmap.Map[string, *remotePeer]

	mu         sync.Mutex
	scanCtx    context.Context
	scanCancel context.CancelFunc
	state      device.BluetoothState

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCentral opens the host device in the central role.
func NewCentral(eventBuffer int, logger *logrus.Logger) (*Central, error) {
	dev, err := DeviceFactory(RoleCentral)
	if err != nil {
		return nil, err
	}
	return newCentral(dev, eventBuffer, logger), nil
}

func newCentral(dev ble.Device, eventBuffer int, logger *logrus.Logger) *Central {
	logger = device.LoggerOrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Central{
		dev:        dev,
		logger:     logger,
		dispatcher: platform.NewDispatcher("central", eventBuffer, logger),
		peers:      hashmap.New[string, *remotePeer](),
		state:      device.StatePoweredOn,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetEventHandler installs h and reports the current adapter state to it.
func (c *Central) SetEventHandler(h platform.EventHandler) {
	c.dispatcher.SetHandler(h)
	c.post(platform.StateChanged{State: c.State()})
}

func (c *Central) State() device.BluetoothState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Central) setState(state device.BluetoothState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.post(platform.StateChanged{State: state})
	}
}

func (c *Central) post(ev platform.Event) {
	if !c.dispatcher.Post(ev) {
		c.logger.WithField("event", ev).Debug("Central closed, dropping event")
	}
}

// StartScan starts scanning in the background. Scanning again while a scan
// is running is a no-op.
func (c *Central) StartScan(allowDuplicates bool) error {
	c.mu.Lock()
	if c.scanCancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.scanCtx, c.scanCancel = ctx, cancel
	c.mu.Unlock()

	c.logger.WithField("allow_duplicates", allowDuplicates).Debug("Starting BLE scan...")

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := NormalizeError(c.dev.Scan(ctx, allowDuplicates, c.onAdvertisement))

		c.mu.Lock()
		if c.scanCtx == ctx {
			c.scanCtx, c.scanCancel = nil, nil
		}
		c.mu.Unlock()
		cancel()

		switch {
		case err == nil, errors.Is(err, device.ErrCancelled), errors.Is(err, device.ErrTimeout):
			c.logger.Debug("BLE scan stopped")
		case errors.Is(err, device.ErrBluetoothOff):
			c.logger.WithField("error", err).Warn("BLE scan failed: Bluetooth is off")
			c.setState(device.StatePoweredOff)
		default:
			c.logger.WithField("error", err).Error("BLE scan failed")
		}
	})
	return nil
}

func (c *Central) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCtx, c.scanCancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Central) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanCancel != nil
}

func (c *Central) onAdvertisement(adv ble.Advertisement) {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, uuidString(u))
	}
	c.post(platform.PeripheralDiscovered{
		PeerID: adv.Addr().String(),
		Name:   adv.LocalName(),
		RSSI:   adv.RSSI(),
		Advertisement: platform.AdvertisementData{
			LocalName:        adv.LocalName(),
			ServiceUUIDs:     services,
			ManufacturerData: adv.ManufacturerData(),
			TxPowerLevel:     adv.TxPowerLevel(),
			Connectable:      adv.Connectable(),
		},
	})
}

// Connect dials the peer in the background. The outcome is reported as
// Connected or ConnectFailed.
func (c *Central) Connect(peerID string) error {
	p := c.peer(peerID)

	p.mu.Lock()
	if p.client != nil || p.dialCancel != nil {
		p.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(c.ctx)
	p.dialCancel = cancel
	p.mu.Unlock()

	log := c.logger.WithField("peer", peerID)
	log.Debug("Dialing BLE device...")

	groutine.Go(ctx, "goble-dial:"+peerID, func(ctx context.Context) {
		client, err := c.dev.Dial(ctx, ble.NewAddr(peerID))
		cancel()

		p.mu.Lock()
		p.dialCancel = nil
		if err != nil {
			p.mu.Unlock()
			err = NormalizeError(err)
			log.WithField("error", err).Warn("Failed to dial BLE device")
			c.post(platform.ConnectFailed{PeerID: peerID, Err: err})
			return
		}
		p.reset(client)
		p.mu.Unlock()

		log.Info("BLE device connected")
		c.post(platform.Connected{PeerID: peerID})
		c.monitor(p, client)
	})
	return nil
}

// peer returns the state of peerID, creating it when missing.
func (c *Central) peer(peerID string) *remotePeer {
	if p, ok := c.peers.Get(peerID); ok {
		return p
	}
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if p, ok := c.peers.Get(peerID); ok {
		return p
	}
	p := newRemotePeer(peerID)
	c.peers.Set(peerID, p)
	return p
}

// monitor reports link loss of client.
func (c *Central) monitor(p *remotePeer, client ble.Client) {
	dn, ok := client.(disconnectNotifier)
	if !ok {
		c.logger.WithField("peer", p.id).Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(c.ctx, "goble-link-monitor:"+p.id, func(ctx context.Context) {
		select {
		case <-dn.Disconnected():
			c.dropped(p, client)
		case <-ctx.Done():
		}
	})
}

// dropped finalizes a link and reports Disconnected once per link.
func (c *Central) dropped(p *remotePeer, client ble.Client) {
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	requested := p.disconnecting
	p.reset(nil)
	p.mu.Unlock()

	var err error
	if !requested {
		err = device.ErrDisconnected
	}
	c.logger.WithFields(logrus.Fields{
		"peer":      p.id,
		"requested": requested,
	}).Info("BLE device disconnected")
	c.post(platform.Disconnected{PeerID: p.id, Err: err})
}

// CancelConnection aborts a pending dial or drops an established link.
func (c *Central) CancelConnection(peerID string) error {
	p, ok := c.peers.Get(peerID)
	if !ok {
		c.post(platform.Disconnected{PeerID: peerID})
		return nil
	}

	p.mu.Lock()
	if cancel := p.dialCancel; cancel != nil {
		p.mu.Unlock()
		cancel()
		return nil
	}
	client := p.client
	if client == nil {
		p.mu.Unlock()
		c.post(platform.Disconnected{PeerID: peerID})
		return nil
	}
	p.disconnecting = true
	p.mu.Unlock()

	groutine.Go(c.ctx, "goble-cancel-connection:"+peerID, func(ctx context.Context) {
		if err := NormalizeError(client.CancelConnection()); err != nil {
			c.logger.WithFields(logrus.Fields{
				"peer":  peerID,
				"error": err,
			}).Warn("BLE device disconnected with errors")
		}
		if _, ok := client.(disconnectNotifier); !ok {
			c.dropped(p, client)
		}
	})
	return nil
}

func (c *Central) connected(peerID string) (*remotePeer, ble.Client, error) {
	p, ok := c.peers.Get(peerID)
	if !ok {
		return nil, nil, device.ErrDisconnected
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil, nil, device.ErrDisconnected
	}
	return p, client, nil
}

func (c *Central) characteristic(peerID string, ref platform.CharacteristicRef) (*remotePeer, ble.Client, *ble.Characteristic, error) {
	p, client, err := c.connected(peerID)
	if err != nil {
		return nil, nil, nil, err
	}
	p.mu.Lock()
	ch, ok := p.chars[ref.Key()]
	p.mu.Unlock()
	if !ok {
		return nil, nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.Characteristic}}
	}
	return p, client, ch, nil
}

func (c *Central) DiscoverServices(peerID string, filter []string) error {
	p, client, err := c.connected(peerID)
	if err != nil {
		return err
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	groutine.Go(c.ctx, "goble-discover-services:"+peerID, func(ctx context.Context) {
		svcs, err := client.DiscoverServices(uuids)
		if err != nil {
			c.post(platform.ServicesDiscovered{PeerID: peerID, Err: NormalizeError(err)})
			return
		}

		discovered := make([]device.Service, 0, len(svcs))
		p.mu.Lock()
		p.services = make(map[string]*ble.Service, len(svcs))
		for _, s := range svcs {
			id := uuidString(s.UUID)
			p.services[id] = s
			discovered = append(discovered, device.Service{UUID: id})
		}
		p.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"peer":     peerID,
			"services": len(discovered),
		}).Debug("Services discovered")
		c.post(platform.ServicesDiscovered{PeerID: peerID, Services: discovered})
	})
	return nil
}

func (c *Central) DiscoverCharacteristics(peerID, service string, filter []string) error {
	p, client, err := c.connected(peerID)
	if err != nil {
		return err
	}
	serviceID := device.NormalizeUUID(service)
	p.mu.Lock()
	svc, ok := p.services[serviceID]
	p.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	groutine.Go(c.ctx, "goble-discover-characteristics:"+peerID, func(ctx context.Context) {
		chars, err := client.DiscoverCharacteristics(uuids, svc)
		if err != nil {
			c.post(platform.CharacteristicsDiscovered{PeerID: peerID, Service: serviceID, Err: NormalizeError(err)})
			return
		}

		discovered := make([]device.Characteristic, 0, len(chars))
		for _, ch := range chars {
			// Subscribing needs the CCCD handle, which only descriptor discovery fills in.
			if ch.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
				if _, derr := client.DiscoverDescriptors(nil, ch); derr != nil {
					c.logger.WithFields(logrus.Fields{
						"peer":      peerID,
						"char_uuid": uuidString(ch.UUID),
						"error":     derr,
					}).Debug("Descriptor discovery failed")
				}
			}
			discovered = append(discovered, device.Characteristic{
				UUID:       uuidString(ch.UUID),
				Properties: fromBLEProperty(ch.Property),
			})
		}

		p.mu.Lock()
		for i, ch := range chars {
			p.chars[device.CompositeID(serviceID, discovered[i].UUID)] = ch
		}
		p.mu.Unlock()

		c.post(platform.CharacteristicsDiscovered{
			PeerID:          peerID,
			Service:         serviceID,
			Characteristics: discovered,
		})
	})
	return nil
}

func (c *Central) ReadValue(peerID string, ref platform.CharacteristicRef) error {
	_, client, ch, err := c.characteristic(peerID, ref)
	if err != nil {
		return err
	}

	groutine.Go(c.ctx, "goble-read:"+peerID, func(ctx context.Context) {
		data, err := client.ReadCharacteristic(ch)
		c.post(platform.ValueUpdated{
			PeerID:         peerID,
			Characteristic: ref,
			Value:          data,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

func (c *Central) WriteValue(peerID string, ref platform.CharacteristicRef, data []byte, mode platform.WriteMode) error {
	_, client, ch, err := c.characteristic(peerID, ref)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)

	if mode == platform.WithoutResponse {
		return NormalizeError(client.WriteCharacteristic(ch, payload, true))
	}

	groutine.Go(c.ctx, "goble-write:"+peerID, func(ctx context.Context) {
		err := client.WriteCharacteristic(ch, payload, false)
		c.post(platform.ValueWritten{
			PeerID:         peerID,
			Characteristic: ref,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

func (c *Central) SetNotify(peerID string, ref platform.CharacteristicRef, enabled bool) error {
	p, client, ch, err := c.characteristic(peerID, ref)
	if err != nil {
		return err
	}
	// Prefer notifications, fall back to indications.
	indicate := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
	key := ref.Key()

	groutine.Go(c.ctx, "goble-set-notify:"+peerID, func(ctx context.Context) {
		var err error
		if enabled {
			err = client.Subscribe(ch, indicate, func(data []byte) {
				c.post(platform.ValueUpdated{
					PeerID:         peerID,
					Characteristic: ref,
					Value:          append([]byte(nil), data...),
				})
			})
		} else {
			err = client.Unsubscribe(ch, indicate)
		}
		err = NormalizeError(err)

		if err == nil {
			p.mu.Lock()
			if p.client == client {
				p.notifying[key] = enabled
			}
			p.mu.Unlock()
		}

		c.logger.WithFields(logrus.Fields{
			"peer":      peerID,
			"char_uuid": key,
			"enabled":   enabled,
			"error":     err,
		}).Debug("Notification state changed")
		c.post(platform.NotificationStateChanged{
			PeerID:         peerID,
			Characteristic: ref,
			Enabled:        enabled,
			Err:            err,
		})
	})
	return nil
}

func (c *Central) IsNotifying(peerID string, ref platform.CharacteristicRef) bool {
	p, ok := c.peers.Get(peerID)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[ref.Key()]
}

// Close drops every link, stops scanning and releases the device.
func (c *Central) Close() error {
	c.StopScan()

	c.peers.Range(func(id string, p *remotePeer) bool {
		p.mu.Lock()
		client := p.client
		dialCancel := p.dialCancel
		p.mu.Unlock()

		if dialCancel != nil {
			dialCancel()
		}
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				c.logger.WithFields(logrus.Fields{
					"peer":  id,
					"error": err,
				}).Warn("Failed to cancel connection on close")
			}
		}
		return true
	})

	c.cancel()
	c.dispatcher.Close()
	return NormalizeError(c.dev.Stop())
}
