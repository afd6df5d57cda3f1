// Package device defines the wireless peripheral seam used by the rest of kinetic.
//
// It provides:
//   - Radio, Link and Advertisement interfaces implemented by a concrete BLE stack
//   - GATT profile types (Service, Characteristic, Property)
//   - The link error taxonomy (LinkError, NotFoundError, ConnectionError sentinels)
//   - UUID normalization shared by discovery, filtering and configuration
//
// The concrete go-ble implementation lives in the go-ble subpackage.
package device
