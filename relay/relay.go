// Package relay carries battery samples from a sampler device to the consolidator that keeps
// the authoritative history.
//
// Delivery is at most once. A failed send is logged, counted and dropped, nothing is queued or retried.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/sirupsen/logrus"
)

var (
	ErrBadFrame  = errors.New("relay: bad frame")
	ErrTransport = errors.New("relay: transport failure")
)

const sendTimeout = 5 * time.Second

type Role string

const (
	RoleConsolidator Role = "consolidator"
	RoleSampler      Role = "sampler"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleConsolidator, RoleSampler:
		return r, nil
	}
	return "", fmt.Errorf("unknown relay role %q, expected %q or %q", s, RoleConsolidator, RoleSampler)
}

// Transport moves entries and replay requests between devices. Handlers are called from the
// transport's own goroutine and must not block.
type Transport interface {
	SendEntry(ctx context.Context, e Entry) error
	RequestReplay(ctx context.Context, deviceID string) error
	OnEntry(func(deviceID string, e Entry))
	OnReplay(func())
	Close() error
}

// Source is the local history a sampler forwards from.
type Source interface {
	GetCount() int
	GetEntries(max int) ([]history.Sample, error)
}

// Forwarder runs on a sampler. It sends every locally appended sample and dumps the whole
// history when asked.
type Forwarder struct {
	transport Transport
	src       Source
	log       *logrus.Logger
	collector telemetry.Collector
}

func NewForwarder(transport Transport, src Source, log *logrus.Logger, collector telemetry.Collector) *Forwarder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Forwarder{transport: transport, src: src, log: log, collector: collector}
}

// OnAppend sends s as a single entry.
func (f *Forwarder) OnAppend(s history.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	e := Entry{
		Timestamp:    s.Timestamp,
		Percentage:   s.Percentage,
		EntryIndex:   0,
		TotalEntries: 1,
		IsLast:       true,
	}
	if err := f.send(ctx, e); err != nil {
		f.log.Errorf("Failed to forward battery sample: %v", err)
	}
}

// Replay sends every stored sample, oldest first. Entries that fail to send are dropped and
// the rest are still sent.
func (f *Forwarder) Replay(ctx context.Context) error {
	count := f.src.GetCount()
	if count == 0 {
		f.log.Info("No battery history to send")
		return nil
	}
	samples, err := f.src.GetEntries(count)
	if err != nil {
		return err
	}
	f.log.Infof("Sending %d battery history entries", len(samples))

	n := len(samples)
	dropped := 0
	for i, s := range samples {
		e := Entry{
			Timestamp:    s.Timestamp,
			Percentage:   s.Percentage,
			EntryIndex:   uint16(i),
			TotalEntries: uint16(n),
			IsLast:       i == n-1,
		}
		if err := f.send(ctx, e); err != nil {
			f.log.Debugf("Dropped history entry %d/%d: %v", i, n, err)
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d of %d history entries dropped", ErrTransport, dropped, n)
	}
	return nil
}

func (f *Forwarder) send(ctx context.Context, e Entry) error {
	err := f.transport.SendEntry(ctx, e)
	if err != nil {
		f.collector.IncRelayDropped()
	}
	return err
}

// Ingester takes relayed samples into the local history.
type Ingester interface {
	Ingest(timestamp uint32, percentage uint8)
}

// Consolidator runs on the device that keeps the history for a set of samplers.
// It is not safe for concurrent use.
type Consolidator struct {
	transport Transport
	ingester  Ingester
	log       *logrus.Logger

	// newest is the timestamp of the last entry ingested from each sampler.
	newest map[string]uint32
}

func NewConsolidator(transport Transport, ingester Ingester, log *logrus.Logger) *Consolidator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consolidator{
		transport: transport,
		ingester:  ingester,
		log:       log,
		newest:    map[string]uint32{},
	}
}

// Receive records an entry from a sampler with the sampler's timestamp. Live entries are always
// taken. Replayed entries are skipped unless they are newer than anything already taken from
// that sampler.
func (c *Consolidator) Receive(deviceID string, e Entry) {
	c.log.Debugf("Battery entry from %s: %d%% at %d (%d/%d)",
		deviceID, e.Percentage, e.Timestamp, e.EntryIndex+1, e.TotalEntries)
	newest, seen := c.newest[deviceID]
	if e.TotalEntries > 1 && seen && e.Timestamp <= newest {
		c.log.Debugf("Skipping replayed entry at %d from %s, already have up to %d", e.Timestamp, deviceID, newest)
	} else {
		c.ingester.Ingest(e.Timestamp, e.Percentage)
		c.newest[deviceID] = e.Timestamp
	}
	if e.IsLast && e.TotalEntries > 1 {
		c.log.Infof("Received %d history entries from %s", e.TotalEntries, deviceID)
	}
}

// RequestHistory asks deviceID to replay its history.
func (c *Consolidator) RequestHistory(ctx context.Context, deviceID string) error {
	if err := c.transport.RequestReplay(ctx, deviceID); err != nil {
		return err
	}
	c.log.Infof("Requested battery history from %s", deviceID)
	return nil
}
