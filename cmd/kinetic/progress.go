package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 250 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with a countdown.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Capturing", 15*time.Second, status)
//	p.Start()
//	defer p.Stop()
//
// Nothing is drawn unless w is a terminal, so piped output stays clean.
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration
	status   func() string
	enabled  bool

	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewProgressPrinter creates a printer counting down from duration; a zero
// duration counts up. status, when set, is appended to every redraw.
func NewProgressPrinter(w io.Writer, prefix string, duration time.Duration, status func() string) *ProgressPrinter {
	return &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		status:   status,
		enabled:  isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.print()
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *ProgressPrinter) line(elapsed time.Duration) string {
	var clock string
	if p.duration > 0 {
		remaining := p.duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest second, e.g. 3.7s -> 4s
		clock = fmt.Sprintf("%ds left", int(remaining.Seconds()+0.5))
	} else {
		clock = fmt.Sprintf("%ds", int(elapsed.Seconds()))
	}

	if p.status == nil {
		return fmt.Sprintf("%s (%s)", p.prefix, clock)
	}
	return fmt.Sprintf("%s (%s) %s", p.prefix, clock, p.status())
}

func (p *ProgressPrinter) print() {
	fmt.Fprintf(p.w, "%s%s", clearLineSequence, p.line(time.Since(p.startTime)))
}

// Stop stops the redraws and clears the line.
// This function is safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped or never drawn
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.w, clearLineSequence)
}
