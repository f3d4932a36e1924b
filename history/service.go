package history

import (
	"time"

	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/sirupsen/logrus"
)

// Service is the read/clear surface offered to callers.
type Service struct {
	buf       *Buffer
	persister *Persister
	sensor    Sensor
	log       *logrus.Logger
	collector telemetry.Collector

	// reportEvent is swapped out in tests.
	reportEvent func(eventclient.Event) error
}

func NewService(buf *Buffer, persister *Persister, sensor Sensor, log *logrus.Logger, collector telemetry.Collector) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Service{
		buf:         buf,
		persister:   persister,
		sensor:      sensor,
		log:         log,
		collector:   collector,
		reportEvent: eventclient.AddEvent,
	}
}

// GetCurrent returns the live charge level, not the last recorded one.
func (s *Service) GetCurrent() uint8 {
	return s.sensor.ReadPercentage()
}

func (s *Service) GetCount() int {
	return s.buf.Count()
}

func (s *Service) Capacity() int {
	return s.buf.Capacity()
}

func (s *Service) GetEntries(max int) ([]Sample, error) {
	return s.buf.Snapshot(max)
}

// Clear empties the buffer and saves. The buffer stays cleared in memory even when the save fails.
func (s *Service) Clear() error {
	s.buf.Clear()
	s.collector.SetOccupancy(0)
	if err := s.persister.Save(); err != nil {
		return err
	}
	s.log.Info("Battery history cleared")

	err := s.reportEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      "batteryHistoryCleared",
		Details:   map[string]interface{}{},
	})
	if err != nil {
		s.log.Error("Error sending battery history cleared event:", err)
	}
	return nil
}
