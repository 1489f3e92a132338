package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/platform"
)

const (
	// DefaultNotificationBuffer is the per-subscriber outbound buffer size.
	DefaultNotificationBuffer = 64

	// DefaultResponseTimeout bounds how long an ATT request waits for the
	// application to answer it.
	DefaultResponseTimeout = 5 * time.Second
)

// PeripheralOptions tunes the peripheral adapter.
type PeripheralOptions struct {
	EventBuffer        int
	NotificationBuffer uint32
	ResponseTimeout    time.Duration
}

// subscriber is the single active central of a notifying characteristic.
// buf is drained into the notifier by the go-ble notify handler goroutine.
type subscriber struct {
	centralID string
	buf       mpmc.RingBuffer[[]byte]
	wake      chan struct{}
}

type readResponse struct {
	value []byte
	err   error
}

// Peripheral implements platform.Peripheral on top of a go-ble device.
type Peripheral struct {
	dev        ble.Device
	logger     *logrus.Logger
	dispatcher *platform.Dispatcher
	opts       PeripheralOptions

	subscribers   *hashmap.Map[string, *subscriber] // characteristic UUID
	pendingReads  *hashmap.Map[uint64, chan readResponse]
	pendingWrites *hashmap.Map[uint64, chan error]
	requestID     atomic.Uint64
	backpressured atomic.Bool

	mu        sync.Mutex
	advCtx    context.Context
	advCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeripheral opens the host device in the peripheral role.
func NewPeripheral(opts PeripheralOptions, logger *logrus.Logger) (*Peripheral, error) {
	dev, err := DeviceFactory(RolePeripheral)
	if err != nil {
		return nil, err
	}
	return newPeripheral(dev, opts, logger), nil
}

func newPeripheral(dev ble.Device, opts PeripheralOptions, logger *logrus.Logger) *Peripheral {
	if opts.NotificationBuffer == 0 {
		opts.NotificationBuffer = DefaultNotificationBuffer
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	logger = device.LoggerOrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Peripheral{
		dev:           dev,
		logger:        logger,
		dispatcher:    platform.NewDispatcher("peripheral", opts.EventBuffer, logger),
		opts:          opts,
		subscribers:   hashmap.New[string, *subscriber](),
		pendingReads:  hashmap.New[uint64, chan readResponse](),
		pendingWrites: hashmap.New[uint64, chan error](),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetEventHandler installs h and reports the current adapter state to it.
func (p *Peripheral) SetEventHandler(h platform.EventHandler) {
	p.dispatcher.SetHandler(h)
	p.dispatcher.Post(platform.StateChanged{State: p.State()})
}

// State is always powered on: go-ble fails device creation otherwise.
func (p *Peripheral) State() device.BluetoothState {
	return device.StatePoweredOn
}

func (p *Peripheral) AddService(svc platform.LocalService) error {
	su, err := parseUUID(svc.UUID)
	if err != nil {
		return err
	}
	s := ble.NewService(su)

	for _, lc := range svc.Characteristics {
		cu, err := parseUUID(lc.UUID)
		if err != nil {
			return err
		}
		key := device.NormalizeUUID(lc.UUID)
		c := ble.NewCharacteristic(cu)

		if lc.Properties.Has(device.PropertyRead) {
			c.HandleRead(ble.ReadHandlerFunc(p.serveRead(key)))
		}
		if lc.Properties.Has(device.PropertyWrite) || lc.Properties.Has(device.PropertyWriteNoResponse) {
			c.HandleWrite(ble.WriteHandlerFunc(p.serveWrite(key)))
		}
		if lc.Properties.Has(device.PropertyNotify) {
			c.HandleNotify(ble.NotifyHandlerFunc(p.serveNotify(key)))
		}
		if lc.Properties.Has(device.PropertyIndicate) {
			c.HandleIndicate(ble.NotifyHandlerFunc(p.serveNotify(key)))
		}
		// Handlers set their own property bits; keep exactly the declared ones.
		c.Property = toBLEProperty(lc.Properties)
		s.AddCharacteristic(c)
	}

	if err := p.dev.AddService(s); err != nil {
		return NormalizeError(err)
	}
	p.logger.WithFields(logrus.Fields{
		"service":         device.NormalizeUUID(svc.UUID),
		"characteristics": len(svc.Characteristics),
	}).Debug("Local service added")
	return nil
}

func (p *Peripheral) RemoveAllServices() error {
	return NormalizeError(p.dev.RemoveAllServices())
}

// StartAdvertising advertises in the background until StopAdvertising.
func (p *Peripheral) StartAdvertising(name string, serviceUUIDs []string) error {
	uuids, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.advCancel != nil {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.advCtx, p.advCancel = ctx, cancel
	p.mu.Unlock()

	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		p.dispatcher.Post(platform.AdvertisingStarted{})
		err := NormalizeError(p.dev.AdvertiseNameAndServices(ctx, name, uuids...))

		p.mu.Lock()
		if p.advCtx == ctx {
			p.advCtx, p.advCancel = nil, nil
		}
		p.mu.Unlock()
		cancel()

		if err != nil && !errors.Is(err, device.ErrCancelled) {
			p.logger.WithField("error", err).Error("Advertising failed")
		}
		p.dispatcher.Post(platform.AdvertisingStopped{})
	})
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	cancel := p.advCancel
	p.advCtx, p.advCancel = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (p *Peripheral) IsAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advCancel != nil
}

func (p *Peripheral) RespondToRead(requestID uint64, value []byte, err error) error {
	ch, ok := p.pendingReads.Get(requestID)
	if !ok {
		return fmt.Errorf("read request %d is not pending", requestID)
	}
	select {
	case ch <- readResponse{value: value, err: err}:
	default:
	}
	return nil
}

func (p *Peripheral) RespondToWrite(requestID uint64, err error) error {
	ch, ok := p.pendingWrites.Get(requestID)
	if !ok {
		return fmt.Errorf("write request %d is not pending", requestID)
	}
	select {
	case ch <- err:
	default:
	}
	return nil
}

// UpdateValue queues value for the subscriber of characteristic. A full
// subscriber buffer is reported as back-pressure.
func (p *Peripheral) UpdateValue(characteristic string, value []byte) bool {
	sub, ok := p.subscribers.Get(device.NormalizeUUID(characteristic))
	if !ok {
		return true
	}
	err := sub.buf.Enqueue(append([]byte(nil), value...))
	if err != nil {
		p.backpressured.Store(true)
	}
	// Wake the drain even when full, so it sees the flag and posts ReadyToUpdate.
	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return err == nil
}

func (p *Peripheral) Close() error {
	_ = p.StopAdvertising()
	p.cancel()
	p.dispatcher.Close()
	return NormalizeError(p.dev.Stop())
}

func centralID(req ble.Request) string {
	if conn := req.Conn(); conn != nil && conn.RemoteAddr() != nil {
		return conn.RemoteAddr().String()
	}
	return ""
}

func (p *Peripheral) serveRead(key string) func(req ble.Request, rsp ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		id := p.requestID.Add(1)
		ch := make(chan readResponse, 1)
		p.pendingReads.Set(id, ch)
		defer p.pendingReads.Del(id)

		if !p.dispatcher.Post(platform.ReadRequest{
			RequestID:      id,
			CentralID:      centralID(req),
			Characteristic: key,
			Offset:         req.Offset(),
		}) {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}

		select {
		case r := <-ch:
			if r.err != nil {
				rsp.SetStatus(attStatus(r.err))
				return
			}
			value := r.value
			if off := req.Offset(); off > 0 {
				if off > len(value) {
					rsp.SetStatus(ble.ErrInvalidOffset)
					return
				}
				value = value[off:]
			}
			if _, err := rsp.Write(value); err != nil {
				p.logger.WithFields(logrus.Fields{
					"char_uuid": key,
					"error":     err,
				}).Warn("Failed to write read response")
			}
		case <-time.After(p.opts.ResponseTimeout):
			p.logger.WithField("char_uuid", key).Warn("Read request was not answered in time")
			rsp.SetStatus(ble.ErrUnlikely)
		case <-p.ctx.Done():
			rsp.SetStatus(ble.ErrUnlikely)
		}
	}
}

// serveWrite reports every write as requiring a response: go-ble does not
// tell write requests and write commands apart, and answering a command is a no-op.
func (p *Peripheral) serveWrite(key string) func(req ble.Request, rsp ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		id := p.requestID.Add(1)
		ch := make(chan error, 1)
		p.pendingWrites.Set(id, ch)
		defer p.pendingWrites.Del(id)

		if !p.dispatcher.Post(platform.WriteRequests{Requests: []platform.WriteRequest{{
			RequestID:        id,
			CentralID:        centralID(req),
			Characteristic:   key,
			Value:            append([]byte(nil), req.Data()...),
			Offset:           req.Offset(),
			ResponseRequired: true,
		}}}) {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}

		select {
		case err := <-ch:
			rsp.SetStatus(attStatus(err))
		case <-time.After(p.opts.ResponseTimeout):
			p.logger.WithField("char_uuid", key).Warn("Write request was not answered in time")
			rsp.SetStatus(ble.ErrUnlikely)
		case <-p.ctx.Done():
			rsp.SetStatus(ble.ErrUnlikely)
		}
	}
}

// serveNotify runs for the lifetime of one subscription; go-ble starts it on
// its own goroutine.
func (p *Peripheral) serveNotify(key string) func(req ble.Request, n ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		sub := &subscriber{
			centralID: centralID(req),
			buf:       mpmc.New[[]byte](p.opts.NotificationBuffer),
			wake:      make(chan struct{}, 1),
		}
		log := p.logger.WithFields(logrus.Fields{
			"char_uuid": key,
			"central":   sub.centralID,
		})

		// One active subscriber per characteristic: a new one replaces the old.
		p.subscribers.Set(key, sub)
		p.dispatcher.Post(platform.CentralSubscribed{CentralID: sub.centralID, Characteristic: key})
		log.Debug("Central subscribed")

		defer func() {
			if current, ok := p.subscribers.Get(key); ok && current == sub {
				p.subscribers.Del(key)
			}
			p.dispatcher.Post(platform.CentralUnsubscribed{CentralID: sub.centralID, Characteristic: key})
			log.Debug("Central unsubscribed")
		}()

		for {
			select {
			case <-n.Context().Done():
				return
			case <-p.ctx.Done():
				return
			case <-sub.wake:
			}

			for !sub.buf.IsEmpty() {
				value, err := sub.buf.Dequeue()
				if err != nil {
					break
				}
				if _, err := n.Write(value); err != nil {
					log.WithField("error", err).Warn("Failed to send notification")
					return
				}
			}
			if p.backpressured.CompareAndSwap(true, false) {
				p.dispatcher.Post(platform.ReadyToUpdate{})
			}
		}
	}
}
