package device

import "strings"

// Property is a bit set of characteristic capabilities.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyWriteNoResponse
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all bits of p2 are set in p.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	names := make([]string, 0, 5)
	if p.Has(PropertyRead) {
		names = append(names, "read")
	}
	if p.Has(PropertyWrite) {
		names = append(names, "write")
	}
	if p.Has(PropertyWriteNoResponse) {
		names = append(names, "write-no-response")
	}
	if p.Has(PropertyNotify) {
		names = append(names, "notify")
	}
	if p.Has(PropertyIndicate) {
		names = append(names, "indicate")
	}
	return strings.Join(names, ",")
}

// Characteristic describes a discovered remote characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Service describes a discovered remote service. Characteristics is only
// populated after characteristic discovery for that service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic looks up a characteristic of s by UUID.
func (s Service) Characteristic(uuid string) (Characteristic, bool) {
	normalized := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if NormalizeUUID(c.UUID) == normalized {
			return c, true
		}
	}
	return Characteristic{}, false
}

// CompositeID returns the correlation key of a characteristic within a service.
func CompositeID(service, characteristic string) string {
	return NormalizeUUID(service) + "/" + NormalizeUUID(characteristic)
}
