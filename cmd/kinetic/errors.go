package main

import (
	"errors"
	"fmt"

	"github.com/srg/kinetic/internal/device"
	"github.com/srg/kinetic/internal/journal"
	"github.com/srg/kinetic/internal/link"
	"github.com/srg/kinetic/internal/mint"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the stream failed and recovery gave up during a capture.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoSamples indicates a capture ended without a single sample.
	ErrNoSamples = errors.New("no samples received")
)

// formatUserError turns typed failures into a one-line message with a hint.
func formatUserError(err error) string {
	var (
		serr *mint.SubmissionError
		verr *mint.ValidationError
		lerr *device.LinkError
	)
	switch {
	case errors.As(err, &serr):
		hint := ""
		switch {
		case serr.Kind == mint.KindValidation:
			hint = " (the request was rejected; fix it before resubmitting)"
		case serr.Retryable:
			hint = " (temporary failure; resubmitting is safe)"
		}
		return fmt.Sprintf("submission failed: %s%s", serr.Error(), hint)
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, journal.ErrNotFound), errors.Is(err, journal.ErrAmbiguous):
		return fmt.Sprintf("%s (run 'kinetic batches' to list captures)", err)
	case errors.Is(err, link.ErrBusy):
		return "another connection attempt is in progress"
	case errors.As(err, &lerr):
		if device.IsIncompatible(err) {
			return fmt.Sprintf("%s (the device does not expose the IMU data stream)", lerr.Error())
		}
		return lerr.Error()
	default:
		return err.Error()
	}
}
