package history

import (
	"time"

	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// SignificantChange is the percentage swing from the last recorded sample that gets
	// recorded straight away instead of waiting for the periodic save.
	SignificantChange = 5

	DefaultSaveInterval = 120 * time.Minute

	SourceChange   = "change"
	SourcePeriodic = "periodic"
	SourceRelay    = "relay"
)

// Sensor reports the live state of charge, 0-100.
type Sensor interface {
	ReadPercentage() uint8
}

// Clock gives the timestamp recorded with each sample.
type Clock interface {
	Uptime() uint32
}

// AppendListener is told about every sample after it has been appended and saved.
type AppendListener interface {
	OnAppend(s Sample)
}

type uptimeClock struct {
	start time.Time
}

// NewUptimeClock counts whole seconds from now.
func NewUptimeClock() Clock {
	return uptimeClock{start: time.Now()}
}

func (c uptimeClock) Uptime() uint32 {
	return uint32(time.Since(c.start) / time.Second)
}

// Policy decides when observations become history entries.
type Policy struct {
	buf       *Buffer
	persister *Persister
	sensor    Sensor
	clock     Clock
	log       *logrus.Logger
	collector telemetry.Collector
	listener  AppendListener
}

func NewPolicy(buf *Buffer, persister *Persister, sensor Sensor, clock Clock, log *logrus.Logger, collector telemetry.Collector) *Policy {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Policy{
		buf:       buf,
		persister: persister,
		sensor:    sensor,
		clock:     clock,
		log:       log,
		collector: collector,
	}
}

// SetListener registers l to be told about each appended sample. A nil l removes it.
func (p *Policy) SetListener(l AppendListener) {
	p.listener = l
}

// OnChargeChanged handles a charge level notification. It returns true if a sample was recorded.
func (p *Policy) OnChargeChanged(percentage uint8) bool {
	p.log.Debugf("Battery state changed: %d%%", percentage)
	if last, ok := p.buf.Last(); ok && !isSignificant(last.Percentage, percentage) {
		return false
	}
	p.record(p.clock.Uptime(), percentage, SourceChange)
	return true
}

// OnPeriodicTick records the current charge regardless of the last sample.
// The caller is responsible for scheduling the next tick.
func (p *Policy) OnPeriodicTick() Sample {
	s := Sample{Timestamp: p.clock.Uptime(), Percentage: p.sensor.ReadPercentage()}
	p.record(s.Timestamp, s.Percentage, SourcePeriodic)
	return s
}

// Ingest records a sample observed on another device.
func (p *Policy) Ingest(timestamp uint32, percentage uint8) {
	p.record(timestamp, percentage, SourceRelay)
}

func (p *Policy) record(timestamp uint32, percentage uint8, source string) {
	if p.buf.Append(timestamp, percentage) {
		p.collector.IncEviction()
	}
	p.collector.IncAppend(source)
	p.collector.SetOccupancy(p.buf.Count())
	p.log.Debugf("Added battery history entry: %d%% at timestamp %d (total: %d)", percentage, timestamp, p.buf.Count())

	// A failed save is logged by the persister, the sample stays in memory.
	_ = p.persister.Save()

	if p.listener != nil {
		p.listener.OnAppend(Sample{Timestamp: timestamp, Percentage: percentage})
	}
}

func isSignificant(last, current uint8) bool {
	diff := int(current) - int(last)
	if diff < 0 {
		diff = -diff
	}
	return diff >= SignificantChange
}
