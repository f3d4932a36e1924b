package batteryhistory

import "math"

// signalSensor remembers the last charge level broadcast by the attiny service.
// It reads 0 until the first broadcast arrives. Only the event loop touches it.
type signalSensor struct {
	percent uint8
}

func (s *signalSensor) ReadPercentage() uint8 {
	return s.percent
}

func (s *signalSensor) set(percent uint8) {
	s.percent = percent
}

// percentFromSignal rounds the broadcast percentage and clamps it to 0-100.
func percentFromSignal(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 100:
		return 100
	}
	return uint8(math.Round(v))
}
