package peripheral

import (
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/platform"
	"github.com/srg/gattq/internal/result"
)

// ReadHandler answers a read request through respond. Only the first
// respond call is forwarded to the platform.
type ReadHandler func(respond func(result.Result[[]byte]))

// WriteHandler accepts or rejects an acknowledged write through respond.
type WriteHandler func(data []byte, respond func(result.Result[struct{}]))

// WriteNoResponseHandler receives the payload of every write; nothing is
// answered on its behalf.
type WriteNoResponseHandler func(data []byte)

// NotifyHandler observes every emission accepted by the platform.
type NotifyHandler func(result.Result[[]byte])

// Property is a declared capability of a local characteristic together with
// its handler. Build one with Read, Write, WriteNoResponse or Notify.
type Property interface {
	flag() device.Property
	register(r *registry, key string)
}

type readProperty struct{ h ReadHandler }
type writeProperty struct{ h WriteHandler }
type writeNoResponseProperty struct{ h WriteNoResponseHandler }
type notifyProperty struct{ h NotifyHandler }

func Read(h ReadHandler) Property                       { return readProperty{h} }
func Write(h WriteHandler) Property                     { return writeProperty{h} }
func WriteNoResponse(h WriteNoResponseHandler) Property { return writeNoResponseProperty{h} }

// Notify declares a notifying characteristic. h may be nil.
func Notify(h NotifyHandler) Property { return notifyProperty{h} }

func (readProperty) flag() device.Property            { return device.PropertyRead }
func (writeProperty) flag() device.Property           { return device.PropertyWrite }
func (writeNoResponseProperty) flag() device.Property { return device.PropertyWriteNoResponse }
func (notifyProperty) flag() device.Property          { return device.PropertyNotify }

func (p readProperty) register(r *registry, key string) {
	if p.h != nil {
		r.reads.Set(key, p.h)
	}
}

func (p writeProperty) register(r *registry, key string) {
	if p.h != nil {
		r.writes.Set(key, p.h)
	}
}

func (p writeNoResponseProperty) register(r *registry, key string) {
	if p.h != nil {
		r.writesNoResponse.Set(key, p.h)
	}
}

func (p notifyProperty) register(r *registry, key string) {
	if p.h != nil {
		r.notifies.Set(key, p.h)
	}
}

// Characteristic is a locally hosted characteristic.
type Characteristic struct {
	UUID       string
	Properties []Property
}

// Flags returns the capability bits derived from the declared properties.
func (c Characteristic) Flags() device.Property {
	var flags device.Property
	for _, p := range c.Properties {
		flags |= p.flag()
	}
	return flags
}

// Service is a locally hosted service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

func (s Service) descriptor() platform.LocalService {
	local := platform.LocalService{
		UUID:            device.NormalizeUUID(s.UUID),
		Characteristics: make([]platform.LocalCharacteristic, 0, len(s.Characteristics)),
	}
	for _, c := range s.Characteristics {
		local.Characteristics = append(local.Characteristics, platform.LocalCharacteristic{
			UUID:       device.NormalizeUUID(c.UUID),
			Properties: c.Flags(),
		})
	}
	return local
}

func (s Service) validate() error {
	ids := []string{s.UUID}
	for _, c := range s.Characteristics {
		ids = append(ids, c.UUID)
	}
	_, err := device.ValidateUUID(ids...)
	return err
}
