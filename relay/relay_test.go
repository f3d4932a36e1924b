package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/TheCacophonyProject/battery-history/settings"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFrame(t *testing.T) {
	e := Entry{Timestamp: 0x01020304, Percentage: 87, EntryIndex: 2, TotalEntries: 3, IsLast: true}
	b := MarshalEntry(e)
	require.Len(t, b, entryFrameSize)
	assert.Equal(t, []byte{0xBA, 0x01, 0x01, 0x02, 0x03, 0x04, 87, 0x00, 0x02, 0x00, 0x03, 0x01}, b[:12])

	got, err := UnmarshalEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestBadFrames(t *testing.T) {
	good := MarshalEntry(Entry{Timestamp: 5, Percentage: 50, TotalEntries: 1, IsLast: true})
	corrupt := func(i int) []byte {
		b := append([]byte(nil), good...)
		b[i] ^= 0xFF
		return b
	}

	cases := map[string][]byte{
		"empty":      nil,
		"short":      good[:entryFrameSize-1],
		"long":       append(append([]byte(nil), good...), 0),
		"magic":      corrupt(0),
		"payload":    corrupt(6),
		"crc":        corrupt(entryFrameSize - 1),
		"replay":     marshalReplay(),
		"frame type": corrupt(1),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalEntry(b)
			assert.ErrorIs(t, err, ErrBadFrame)
		})
	}

	assert.NoError(t, unmarshalReplay(marshalReplay()))
	assert.ErrorIs(t, unmarshalReplay(good), ErrBadFrame)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("sampler")
	require.NoError(t, err)
	assert.Equal(t, RoleSampler, r)
	r, err = ParseRole("consolidator")
	require.NoError(t, err)
	assert.Equal(t, RoleConsolidator, r)
	_, err = ParseRole("peripheral")
	assert.Error(t, err)
}

// fakeTransport records what is sent and fails sends listed in failAt.
type fakeTransport struct {
	sent     []Entry
	replays  []string
	failAt   map[int]bool
	onEntry  func(string, Entry)
	onReplay func()
}

func (f *fakeTransport) SendEntry(ctx context.Context, e Entry) error {
	i := len(f.sent)
	f.sent = append(f.sent, e)
	if f.failAt[i] {
		return ErrTransport
	}
	return nil
}

func (f *fakeTransport) RequestReplay(ctx context.Context, deviceID string) error {
	f.replays = append(f.replays, deviceID)
	return nil
}

func (f *fakeTransport) OnEntry(h func(string, Entry)) { f.onEntry = h }
func (f *fakeTransport) OnReplay(h func())             { f.onReplay = h }
func (f *fakeTransport) Close() error                  { return nil }

type fixedSensor uint8

func (s fixedSensor) ReadPercentage() uint8 { return uint8(s) }

type fixedClock uint32

func (c fixedClock) Uptime() uint32 { return uint32(c) }

func nullLogger() *logrus.Logger {
	log, _ := logtest.NewNullLogger()
	return log
}

func newHistory(t *testing.T, capacity int, collector telemetry.Collector) *history.History {
	h, err := history.New(capacity, settings.NewMemory(), fixedSensor(50), fixedClock(100), nullLogger(), collector)
	require.NoError(t, err)
	return h
}

func TestForwarderSendsEachAppend(t *testing.T) {
	h := newHistory(t, 10, nil)
	tr := &fakeTransport{}
	h.Policy.SetListener(NewForwarder(tr, h.Service, nullLogger(), nil))

	h.Policy.OnChargeChanged(90)
	h.Policy.OnChargeChanged(88) // below the threshold
	h.Policy.OnChargeChanged(80)

	assert.Equal(t, []Entry{
		{Timestamp: 100, Percentage: 90, EntryIndex: 0, TotalEntries: 1, IsLast: true},
		{Timestamp: 100, Percentage: 80, EntryIndex: 0, TotalEntries: 1, IsLast: true},
	}, tr.sent)
}

func TestForwarderReplay(t *testing.T) {
	h := newHistory(t, 10, nil)
	for i, p := range []uint8{90, 80, 70} {
		h.Buffer.Append(uint32(i*60), p)
	}
	tr := &fakeTransport{}
	f := NewForwarder(tr, h.Service, nullLogger(), nil)

	require.NoError(t, f.Replay(context.Background()))
	assert.Equal(t, []Entry{
		{Timestamp: 0, Percentage: 90, EntryIndex: 0, TotalEntries: 3, IsLast: false},
		{Timestamp: 60, Percentage: 80, EntryIndex: 1, TotalEntries: 3, IsLast: false},
		{Timestamp: 120, Percentage: 70, EntryIndex: 2, TotalEntries: 3, IsLast: true},
	}, tr.sent)
}

func TestForwarderReplayEmpty(t *testing.T) {
	h := newHistory(t, 10, nil)
	tr := &fakeTransport{}
	require.NoError(t, NewForwarder(tr, h.Service, nullLogger(), nil).Replay(context.Background()))
	assert.Empty(t, tr.sent)
}

func TestForwarderDropsFailedSends(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	h := newHistory(t, 10, collector)
	for i := 0; i < 4; i++ {
		h.Buffer.Append(uint32(i), uint8(90-i))
	}
	tr := &fakeTransport{failAt: map[int]bool{1: true, 2: true}}
	f := NewForwarder(tr, h.Service, nullLogger(), collector)

	err = f.Replay(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, tr.sent, 4, "later entries are still sent after a failure")
	assert.True(t, tr.sent[3].IsLast)

	// Live samples are dropped the same way.
	tr.failAt[4] = true
	f.OnAppend(history.Sample{Timestamp: 9, Percentage: 9})
	assert.Equal(t, 4, h.Service.GetCount(), "local history is unaffected")

	expected := `
# HELP battery_history_relay_dropped_total Number of relay messages dropped after a failed send.
# TYPE battery_history_relay_dropped_total counter
battery_history_relay_dropped_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "battery_history_relay_dropped_total"))
}

func TestConsolidatorIngests(t *testing.T) {
	h := newHistory(t, 10, nil)
	tr := &fakeTransport{}
	c := NewConsolidator(tr, h.Policy, nullLogger())

	c.Receive("trap-1", Entry{Timestamp: 3600, Percentage: 77, TotalEntries: 1, IsLast: true})
	c.Receive("trap-1", Entry{Timestamp: 3660, Percentage: 76, EntryIndex: 0, TotalEntries: 2})
	c.Receive("trap-1", Entry{Timestamp: 3720, Percentage: 76, EntryIndex: 1, TotalEntries: 2, IsLast: true})

	got, err := h.Service.GetEntries(10)
	require.NoError(t, err)
	assert.Equal(t, []history.Sample{
		{Timestamp: 3600, Percentage: 77},
		{Timestamp: 3660, Percentage: 76},
		{Timestamp: 3720, Percentage: 76},
	}, got, "relayed samples bypass the change threshold and keep their timestamps")

	require.NoError(t, c.RequestHistory(context.Background(), "trap-1"))
	assert.Equal(t, []string{"trap-1"}, tr.replays)
}

func TestConsolidatorSkipsReplayedEntries(t *testing.T) {
	h := newHistory(t, 10, nil)
	c := NewConsolidator(&fakeTransport{}, h.Policy, nullLogger())

	c.Receive("trap-1", Entry{Timestamp: 10, Percentage: 50, TotalEntries: 1, IsLast: true})
	c.Receive("trap-1", Entry{Timestamp: 20, Percentage: 44, TotalEntries: 1, IsLast: true})
	c.Receive("trap-1", Entry{Timestamp: 10, Percentage: 50, EntryIndex: 0, TotalEntries: 2})
	c.Receive("trap-1", Entry{Timestamp: 20, Percentage: 44, EntryIndex: 1, TotalEntries: 2, IsLast: true})
	assert.Equal(t, 2, h.Service.GetCount())

	// A replay carrying samples that were missed live still fills the gap at the end.
	c.Receive("trap-1", Entry{Timestamp: 10, Percentage: 50, EntryIndex: 0, TotalEntries: 3})
	c.Receive("trap-1", Entry{Timestamp: 20, Percentage: 44, EntryIndex: 1, TotalEntries: 3})
	c.Receive("trap-1", Entry{Timestamp: 30, Percentage: 39, EntryIndex: 2, TotalEntries: 3, IsLast: true})

	// Other samplers are tracked on their own.
	c.Receive("trap-2", Entry{Timestamp: 5, Percentage: 80, EntryIndex: 0, TotalEntries: 2})
	c.Receive("trap-2", Entry{Timestamp: 15, Percentage: 78, EntryIndex: 1, TotalEntries: 2, IsLast: true})

	got, err := h.Service.GetEntries(10)
	require.NoError(t, err)
	assert.Equal(t, []history.Sample{
		{Timestamp: 10, Percentage: 50},
		{Timestamp: 20, Percentage: 44},
		{Timestamp: 30, Percentage: 39},
		{Timestamp: 5, Percentage: 80},
		{Timestamp: 15, Percentage: 78},
	}, got)
}

func TestConsolidatorTakesLiveEntriesAfterRestart(t *testing.T) {
	h := newHistory(t, 10, nil)
	c := NewConsolidator(&fakeTransport{}, h.Policy, nullLogger())

	// The sampler's uptime starts again from zero after a reboot.
	c.Receive("trap-1", Entry{Timestamp: 9000, Percentage: 40, TotalEntries: 1, IsLast: true})
	c.Receive("trap-1", Entry{Timestamp: 30, Percentage: 38, TotalEntries: 1, IsLast: true})
	c.Receive("trap-1", Entry{Timestamp: 30, Percentage: 38, EntryIndex: 0, TotalEntries: 2})
	c.Receive("trap-1", Entry{Timestamp: 90, Percentage: 37, EntryIndex: 1, TotalEntries: 2, IsLast: true})

	got, err := h.Service.GetEntries(10)
	require.NoError(t, err)
	assert.Equal(t, []history.Sample{
		{Timestamp: 9000, Percentage: 40},
		{Timestamp: 30, Percentage: 38},
		{Timestamp: 90, Percentage: 37},
	}, got)
}

type failingTransport struct{ fakeTransport }

func (f *failingTransport) RequestReplay(ctx context.Context, deviceID string) error {
	return errors.Join(ErrTransport, errors.New("not connected"))
}

func TestConsolidatorRequestFailure(t *testing.T) {
	h := newHistory(t, 10, nil)
	c := NewConsolidator(&failingTransport{}, h.Policy, nullLogger())
	assert.ErrorIs(t, c.RequestHistory(context.Background(), "trap-1"), ErrTransport)
}
