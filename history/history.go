// Package history keeps a bounded, time ordered record of battery charge levels and
// mirrors it into a settings store so it survives power cycles.
//
// Nothing in this package is safe for concurrent use. A single goroutine is expected to own
// a History and feed it charge notifications, periodic ticks and requests one at a time.
package history

import (
	"github.com/TheCacophonyProject/battery-history/settings"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/sirupsen/logrus"
)

// History wires the buffer to its persister, sampling policy and query service.
type History struct {
	Buffer    *Buffer
	Persister *Persister
	Policy    *Policy
	Service   *Service
}

// New builds an empty History. Call Persister.Load to restore saved samples.
func New(capacity int, store settings.Store, sensor Sensor, clock Clock, log *logrus.Logger, collector telemetry.Collector) (*History, error) {
	buf, err := NewBuffer(capacity)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = NewUptimeClock()
	}
	persister := NewPersister(buf, store, log, collector)
	return &History{
		Buffer:    buf,
		Persister: persister,
		Policy:    NewPolicy(buf, persister, sensor, clock, log, collector),
		Service:   NewService(buf, persister, sensor, log, collector),
	}, nil
}
