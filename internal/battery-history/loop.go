package batteryhistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/TheCacophonyProject/battery-history/relay"
	"github.com/TheCacophonyProject/battery-history/rpc"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/sirupsen/logrus"
)

const replyTimeout = 10 * time.Second

var errRelayDisabled = errors.New("relay is not enabled")

type event interface {
	isEvent()
}

type chargeChanged struct {
	percent uint8
}

type rpcRequest struct {
	payload []byte
	reply   chan []byte
}

type relayedSample struct {
	deviceID string
	entry    relay.Entry
}

type replayCommand struct{}

type requestHistory struct {
	deviceID string
	reply    chan error
}

func (chargeChanged) isEvent()  {}
func (rpcRequest) isEvent()     {}
func (relayedSample) isEvent()  {}
func (replayCommand) isEvent()  {}
func (requestHistory) isEvent() {}

// loop owns the history. Everything that touches it is sent in as an event.
type loop struct {
	h         *history.History
	sensor    *signalSensor
	handler   *rpc.Handler
	collector telemetry.Collector
	interval  time.Duration
	role      relay.Role
	events    chan event
	log       *logrus.Logger

	forwarder    *relay.Forwarder
	consolidator *relay.Consolidator
}

func newLoop(h *history.History, sensor *signalSensor, collector telemetry.Collector, role relay.Role, interval time.Duration, log *logrus.Logger) *loop {
	return &loop{
		h:         h,
		sensor:    sensor,
		handler:   rpc.NewHandler(h.Service, log),
		collector: collector,
		interval:  interval,
		role:      role,
		events:    make(chan event, 20),
		log:       log,
	}
}

// attachRelay hooks t up for the loop's role. Must be called before run.
func (l *loop) attachRelay(ctx context.Context, t relay.Transport) {
	switch l.role {
	case relay.RoleSampler:
		l.forwarder = relay.NewForwarder(t, l.h.Service, l.log, l.collector)
		l.h.Policy.SetListener(l.forwarder)
		t.OnReplay(func() {
			l.enqueue(ctx, replayCommand{})
		})
	case relay.RoleConsolidator:
		l.consolidator = relay.NewConsolidator(t, l.h.Policy, l.log)
		t.OnEntry(func(deviceID string, e relay.Entry) {
			l.enqueue(ctx, relayedSample{deviceID: deviceID, entry: e})
		})
	}
}

// enqueue hands e to the loop. It gives up when ctx is done.
func (l *loop) enqueue(ctx context.Context, e event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case l.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *loop) run(ctx context.Context) error {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("Stopping battery history")
			return nil
		case <-timer.C:
			s := l.h.Policy.OnPeriodicTick()
			l.log.Debugf("Periodic battery sample: %d%%", s.Percentage)
			timer.Reset(l.interval)
		case e := <-l.events:
			l.handle(ctx, e)
		}
	}
}

func (l *loop) handle(ctx context.Context, e event) {
	switch e := e.(type) {
	case chargeChanged:
		l.sensor.set(e.percent)
		l.h.Policy.OnChargeChanged(e.percent)
	case rpcRequest:
		e.reply <- l.handler.Handle(e.payload)
	case relayedSample:
		if l.consolidator == nil {
			l.log.Debugf("Ignoring relayed sample from %s", e.deviceID)
			return
		}
		l.consolidator.Receive(e.deviceID, e.entry)
	case replayCommand:
		if err := l.replay(ctx); err != nil {
			l.log.Error(err)
		}
	case requestHistory:
		e.reply <- l.requestHistory(ctx, e.deviceID)
	default:
		l.log.Errorf("Unhandled event type %T", e)
	}
}

func (l *loop) replay(ctx context.Context) error {
	if l.forwarder == nil {
		return errRelayDisabled
	}
	return l.forwarder.Replay(ctx)
}

// requestHistory asks a sampler for its history. On a sampler it sends its own.
func (l *loop) requestHistory(ctx context.Context, deviceID string) error {
	if l.role == relay.RoleSampler {
		return l.replay(ctx)
	}
	if l.consolidator == nil {
		return errRelayDisabled
	}
	return l.consolidator.RequestHistory(ctx, deviceID)
}

// request runs an encoded rpc request on the loop and waits for the encoded response.
func (l *loop) request(ctx context.Context, payload []byte) ([]byte, error) {
	reply := make(chan []byte, 1)
	if !l.enqueue(ctx, rpcRequest{payload: payload, reply: reply}) {
		return nil, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(replyTimeout):
		return nil, fmt.Errorf("timed out waiting for battery history response")
	}
}

func (l *loop) requestHistoryFrom(ctx context.Context, deviceID string) error {
	reply := make(chan error, 1)
	if !l.enqueue(ctx, requestHistory{deviceID: deviceID, reply: reply}) {
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(replyTimeout):
		return fmt.Errorf("timed out requesting battery history")
	}
}
