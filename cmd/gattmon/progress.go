package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter renders a single self-updating status line while a command
// works: "<prefix> (<phase> Ns)". The phase is swapped through Callback, which
// may be invoked from any goroutine; setting a phase named in stopPhases shuts
// the printer down.
//
// Usage:
//
//	p := NewProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start may be called at most once, Stop any
// number of times.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value // current phase name
	stopPhases map[string]struct{}
	startTime  time.Time
	countdown  time.Duration // 0 counts elapsed time up instead
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when the display goroutine exits
	started    atomic.Bool
}

// NewProgressPrinter creates a progress printer that shows elapsed time.
// stopPhases name the phases that trigger shutdown when set via Callback.
func NewProgressPrinter(prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from
// duration. stopPhases name the phases that trigger shutdown when set via
// Callback.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, duration, stopPhases)
}

func newProgressPrinter(prefix, phase string, countdown time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: stopSet,
		countdown:  countdown,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				if s := p.seconds(); s > 0 {
					fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, s)
				} else {
					fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
				}
			}
		}
	}()
}

// seconds returns the elapsed or remaining whole seconds for display.
// A finished countdown shows 0s rather than stopping the printer.
func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second: 3.7s displays as 4s, 3.3s as 3s.
	return int(remaining.Seconds() + 0.5)
}

// Callback returns a phase-update function suitable for session and scan
// progress hooks. Setting a stop phase stops the printer. Safe to call from
// multiple goroutines.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line. Safe to call multiple
// times and from multiple goroutines; only the first call stops the ticker
// and waits for the display goroutine.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // already stopped
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
