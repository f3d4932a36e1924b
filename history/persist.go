package history

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/TheCacophonyProject/battery-history/settings"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	Namespace  = "battery_history"
	KeyCount   = Namespace + "/count"
	KeyEntries = Namespace + "/entries"

	// Record layout:
	// count:  int32 little endian
	// entry:  uint32 timestamp LE, uint8 percentage, 3 bytes padding
	countRecordSize = 4
	entryRecordSize = 8
)

// Persister mirrors a Buffer into a settings store.
type Persister struct {
	buf       *Buffer
	store     settings.Store
	log       *logrus.Logger
	collector telemetry.Collector

	// decoded is how many whole entries the last Load read back.
	decoded int
}

func NewPersister(buf *Buffer, store settings.Store, log *logrus.Logger, collector telemetry.Collector) *Persister {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Persister{buf: buf, store: store, log: log, collector: collector}
}

// Save writes the count and, when there are any, the entries. A failure leaves the buffer as is,
// the next successful save brings the store back in line.
func (p *Persister) Save() error {
	err := p.save()
	p.collector.IncSave(err == nil)
	return err
}

func (p *Persister) save() error {
	count := p.buf.Count()
	countRecord := make([]byte, countRecordSize)
	binary.LittleEndian.PutUint32(countRecord, uint32(int32(count)))
	if err := p.store.Save(KeyCount, countRecord); err != nil {
		p.log.Errorf("Failed to save history count: %v", err)
		return fmt.Errorf("%w: saving count: %v", ErrStorage, err)
	}

	if count > 0 {
		if err := p.store.Save(KeyEntries, encodeEntries(p.buf.entries[:count])); err != nil {
			p.log.Errorf("Failed to save history entries: %v", err)
			return fmt.Errorf("%w: saving entries: %v", ErrStorage, err)
		}
	}

	p.log.Debugf("Saved %d battery history entries to storage", count)
	return nil
}

// Load restores the buffer from the store. Malformed records are skipped and logged,
// leaving the buffer empty or partially loaded. The returned error is informational.
func (p *Persister) Load() error {
	loaded := false
	p.decoded = 0
	err := p.store.Load(Namespace, func(name string, value []byte) error {
		err := p.set(name, value)
		if err == nil {
			loaded = true
		} else if !errors.Is(err, ErrNotFound) {
			p.log.Warn(err)
		}
		return err
	})

	// The count and entries keys are independent records, keep the invariant whatever they held.
	if p.buf.count < 0 {
		p.buf.count = 0
	}
	if p.buf.count > len(p.buf.entries) {
		p.log.Warnf("Stored history count %d is larger than capacity %d, truncating", p.buf.count, len(p.buf.entries))
		p.buf.count = len(p.buf.entries)
	}
	if p.buf.count > p.decoded {
		p.log.Warnf("Stored history count %d has only %d entries, truncating", p.buf.count, p.decoded)
		p.buf.count = p.decoded
	}
	if loaded {
		p.log.Infof("Loaded %d battery history entries from storage", p.buf.count)
	}
	p.collector.SetOccupancy(p.buf.count)
	return err
}

func (p *Persister) set(name string, value []byte) error {
	switch name {
	case "count":
		if len(value) != countRecordSize {
			return fmt.Errorf("%w: history count record is %d bytes", ErrInvalidFormat, len(value))
		}
		p.buf.count = int(int32(binary.LittleEndian.Uint32(value)))
		return nil
	case "entries":
		if len(value) > len(p.buf.entries)*entryRecordSize {
			return fmt.Errorf("%w: history entries record of %d bytes exceeds capacity", ErrInvalidFormat, len(value))
		}
		p.decoded = decodeEntries(p.buf.entries, value)
		return nil
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, Namespace, name)
}

func encodeEntries(entries []Sample) []byte {
	data := make([]byte, len(entries)*entryRecordSize)
	for i, e := range entries {
		record := data[i*entryRecordSize:]
		binary.LittleEndian.PutUint32(record, e.Timestamp)
		record[4] = e.Percentage
	}
	return data
}

// decodeEntries copies raw records into dst and returns how many were complete. A trailing
// record missing only its padding still counts.
func decodeEntries(dst []Sample, data []byte) int {
	n := 0
	for i := 0; i*entryRecordSize < len(data); i++ {
		record := data[i*entryRecordSize:]
		if len(record) < 5 {
			break
		}
		dst[i] = Sample{
			Timestamp:  binary.LittleEndian.Uint32(record),
			Percentage: record[4],
		}
		n++
	}
	return n
}
