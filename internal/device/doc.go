// Package device holds the vocabulary shared by the central and peripheral
// roles: GATT service and characteristic descriptors, connection and adapter
// states, the error taxonomy and UUID normalization.
//
// Identifiers are plain strings. Service and characteristic UUIDs are always
// compared in normalized form (see NormalizeUUID), and a characteristic is
// addressed by the composite of its service and characteristic UUIDs because
// characteristic UUIDs are not unique across services.
package device
