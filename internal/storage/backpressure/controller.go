// Package backpressure derives a load level from the fill ratio of the
// ingest queue. The write path sheds samples at the emergency level and
// background maintenance pauses from the warning level up.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/metrics"
	"github.com/xtxerr/historian/internal/storage/config"
)

var log = logging.Component("backpressure")

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, pause rollups and retention.
	LevelWarning

	// LevelCritical - high load, delay writers.
	LevelCritical

	// LevelEmergency - overload, drop samples.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports a fill ratio between 0 and 1.
type Gauge interface {
	UsageRatio() float64
}

// Controller manages backpressure based on queue utilization.
type Controller struct {
	mu sync.Mutex

	config config.BackpressureConfig
	gauge  Gauge
	now    func() time.Time

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	SamplesDropped  int64
	ThrottleSeconds float64
}

// New creates a controller watching gauge.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
		now:    time.Now,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates the gauge and updates the level. It is called on every
// ingest and by a periodic worker; evaluations within the cooldown return
// the current level.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	usage := c.gauge.UsageRatio()
	metrics.IngestQueueUsage.Set(usage)

	newLevel := c.determineLevel(usage)
	if newLevel != c.lastLevel {
		c.setLevel(newLevel, usage)
	}

	return newLevel
}

// determineLevel maps usage to a level. Levels rise as soon as a threshold
// is reached and fall one step at a time once usage is below the threshold
// minus the hysteresis.
func (c *Controller) determineLevel(usage float64) Level {
	t := c.config.Thresholds
	hysteresis := c.config.Hysteresis

	switch {
	case usage >= t.Emergency:
		return LevelEmergency
	case usage >= t.Critical && c.lastLevel <= LevelCritical:
		return LevelCritical
	case usage >= t.Warning && c.lastLevel <= LevelWarning:
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < t.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < t.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < t.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires the callback. Callers hold
// c.mu.
func (c *Controller) setLevel(newLevel Level, usage float64) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++
	metrics.BackpressureLevel.Set(float64(newLevel))

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if newLevel > oldLevel {
		log.Warn("backpressure raised", "from", oldLevel, "to", newLevel, "usage", usage)
	} else {
		log.Info("backpressure lowered", "from", oldLevel, "to", newLevel, "usage", usage)
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldDrop returns true if samples should be dropped.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if writers should be delayed.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldPauseMaintenance returns true if rollups and retention should be
// skipped.
func (c *Controller) ShouldPauseMaintenance() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleFactor returns the throttle factor (0.0 to 1.0).
// 1.0 = no throttling, 0.0 = full throttle (reject all).
func (c *Controller) ThrottleFactor() float64 {
	switch c.CurrentLevel() {
	case LevelWarning:
		return 0.9
	case LevelCritical:
		return 0.5
	case LevelEmergency:
		return 0.1
	default:
		return 1.0
	}
}

// ThrottleDelay returns the delay a writer should wait before its next
// batch, up to 100ms at the emergency level.
func (c *Controller) ThrottleDelay() time.Duration {
	factor := c.ThrottleFactor()
	if factor >= 1.0 {
		return 0
	}

	maxDelay := 100 * time.Millisecond
	delay := time.Duration(float64(maxDelay) * (1.0 - factor))

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordDrop records that n samples were dropped.
func (c *Controller) RecordDrop(n int) {
	c.mu.Lock()
	c.stats.SamplesDropped += int64(n)
	c.mu.Unlock()
	metrics.SamplesDropped.WithLabelValues("backpressure").Add(float64(n))
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		SamplesDropped:  c.stats.SamplesDropped,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		Usage:           c.gauge.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	SamplesDropped  int64
	ThrottleSeconds float64
	Usage           float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
