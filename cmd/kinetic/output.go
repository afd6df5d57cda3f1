package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	failureColor = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
)

// validateFormat accepts the output formats shared by the listing commands.
func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return &usageError{msg: "invalid format '" + format + "': must be one of [table json]"}
	}
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// outcomeLabel renders a submission kind, colored when the terminal allows it.
func outcomeLabel(kind string) string {
	switch kind {
	case "":
		return "-"
	case "success":
		return successColor.Sprint("minted")
	default:
		return failureColor.Sprint(kind)
	}
}

// ago renders t relative to now, or "-" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
