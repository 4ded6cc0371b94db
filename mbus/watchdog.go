package mbus

import (
	"sync"
	"time"

	"github.com/m3ice/icebridge/mlog"
)

// watchdogIdleLimit is the silence window after which Watchdog forces an
// MBus reset, matching m3_common.py's reset_mbus daemon thread.
const watchdogIdleLimit = 10 * time.Second

// Watchdog resets the internal MBus register if no b++ traffic has been
// observed for watchdogIdleLimit, guarding against a wedged bus that the
// host would otherwise have no way to notice.
type Watchdog struct {
	t *Transport

	mu       sync.Mutex
	lastSeen time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatchdog builds a Watchdog over t. Call Start to begin monitoring and
// Feed whenever b++ traffic arrives.
func NewWatchdog(t *Transport) *Watchdog {
	return &Watchdog{t: t, lastSeen: time.Time{}, stopCh: make(chan struct{})}
}

// Feed records that traffic was just observed, resetting the idle timer.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// Start launches the monitoring goroutine. It polls every second, and once
// watchdogIdleLimit has elapsed since the last Feed, issues an internal
// MBus reset register write and restarts its own timer.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		log := mlog.Get("mbus.watchdog")
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.mu.Lock()
				idle := time.Since(w.lastSeen)
				w.mu.Unlock()
				if idle < watchdogIdleLimit {
					continue
				}
				log.Warn("MBus idle past watchdog limit, forcing internal reset", "idle", idle)
				if err := w.t.resetInternal(); err != nil {
					log.Error("watchdog reset failed", "error", err)
				}
				w.mu.Lock()
				w.lastSeen = time.Now()
				w.mu.Unlock()
			}
		}
	}()
}

// Stop terminates the monitoring goroutine. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// internalResetReg is the MBus register the watchdog asserts and clears to
// force a bus reset, matching m3_mbus.py's internal reset bit.
const internalResetReg = 0x01

func (t *Transport) resetInternal() error {
	if err := t.WriteReg(internalResetReg, 1); err != nil {
		return err
	}
	return t.WriteReg(internalResetReg, 0)
}

// ResetInternal pulses the MBus internal-reset register, the same
// operation Watchdog performs automatically on bus silence. Exported for
// the `reset` CLI subcommand.
func (t *Transport) ResetInternal() error {
	return t.resetInternal()
}
