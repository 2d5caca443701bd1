package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StallAlert is delivered to every registered callback when a
// workflow's last activity is older than the configured threshold
// (§4.7).
type StallAlert struct {
	Type           string
	CorrelationID  string
	Message        string
	StartTime      time.Time
	LastUpdateTime time.Time
	EventCount     int
	CommandCount   int
}

// StallCallback receives a StallAlert.
type StallCallback func(alert StallAlert)

// StallDetectorConfig configures a StallDetector. Zero values select
// spec defaults. AlertThreshold is expressed as a duration rather than
// the spec's literal "alert_threshold_seconds" integer so sub-second
// thresholds are expressible in tests; production configuration still
// sets it in whole seconds.
type StallDetectorConfig struct {
	ScanPeriod     time.Duration // default 10s
	AlertThreshold time.Duration // default 60s
}

func (c StallDetectorConfig) withDefaults() StallDetectorConfig {
	if c.ScanPeriod <= 0 {
		c.ScanPeriod = 10 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 60 * time.Second
	}
	return c
}

// StallDetector is the §4.7 background timer that scans active
// workflows and raises an alert for each one stalled past the
// threshold, once per scan period, until a completion event closes it
// (§8, scenario 6: "alert... exactly once per poll period").
type StallDetector struct {
	cfg     StallDetectorConfig
	monitor *Monitor
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks []StallCallback
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewStallDetector builds a StallDetector watching monitor's active
// workflows.
func NewStallDetector(cfg StallDetectorConfig, monitor *Monitor) *StallDetector {
	return &StallDetector{
		cfg:     cfg.withDefaults(),
		monitor: monitor,
		logger:  slog.Default(),
	}
}

// OnStall registers a callback invoked for every alert raised.
func (d *StallDetector) OnStall(cb StallCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

// Start begins the periodic scan. Idempotent.
func (d *StallDetector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx)
}

// Stop flips the running flag and awaits the loop's next wakeup.
func (d *StallDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

func (d *StallDetector) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.ScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

// Scan runs one stall check. Exposed directly so tests can drive it
// without waiting on the timer.
func (d *StallDetector) Scan(_ context.Context) {
	threshold := d.cfg.AlertThreshold
	now := time.Now().UTC()

	for correlationID, wf := range d.monitor.ActiveWorkflows() {
		if now.Sub(wf.LastUpdateTime) < threshold {
			continue
		}
		alert := StallAlert{
			Type:           "stalled_workflow",
			CorrelationID:  correlationID,
			Message:        "workflow has not progressed since last update",
			StartTime:      wf.StartTime,
			LastUpdateTime: wf.LastUpdateTime,
			EventCount:     len(wf.Events),
			CommandCount:   len(wf.Commands),
		}
		d.notify(alert)
	}
}

func (d *StallDetector) notify(alert StallAlert) {
	d.mu.Lock()
	callbacks := append([]StallCallback(nil), d.callbacks...)
	d.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("panic recovered in stall callback", "panic", r)
				}
			}()
			cb(alert)
		}()
	}
}
