// Package telemetry turns IMU notifications into an ordered capture.
//
// It provides:
//   - Decoders for the peripheral payload formats (ASCII CSV stream, binary frames)
//   - Buffer, a bounded ordered store for one capture epoch
//   - Batch, the immutable snapshot handed to submission, with its content fingerprint
//   - Deterministic sample encoding shared by fingerprinting, export and the journal
package telemetry
