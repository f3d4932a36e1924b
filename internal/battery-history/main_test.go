package batteryhistory

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/TheCacophonyProject/battery-history/relay"
	"github.com/TheCacophonyProject/battery-history/rpc"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.validate())
	assert.Equal(t, 100, c.MaxEntries)
	assert.Equal(t, 2*time.Hour, c.SaveInterval())
	assert.Equal(t, relay.RoleConsolidator, c.RelayRole())
	assert.True(t, c.intervalRecommended())
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"smallest buffer", func(c *Config) { c.MaxEntries = 1 }, true},
		{"largest buffer", func(c *Config) { c.MaxEntries = 500 }, true},
		{"empty buffer", func(c *Config) { c.MaxEntries = 0 }, false},
		{"oversized buffer", func(c *Config) { c.MaxEntries = 501 }, false},
		{"zero interval", func(c *Config) { c.SaveIntervalMinutes = 0 }, false},
		{"sampler", func(c *Config) { c.Role = "sampler" }, true},
		{"unknown role", func(c *Config) { c.Role = "central" }, false},
		{"no state file", func(c *Config) { c.StateFile = "" }, false},
		{"relay without device id", func(c *Config) { c.Relay.Enable = true; c.DeviceID = "" }, false},
		{"relay", func(c *Config) { c.Relay.Enable = true; c.DeviceID = "trap-1" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(&c)
			if tc.valid {
				assert.NoError(t, c.validate())
			} else {
				assert.Error(t, c.validate())
			}
		})
	}
}

func TestIntervalRecommendation(t *testing.T) {
	c := DefaultConfig()
	for minutes, want := range map[int]bool{1: false, 29: false, 30: true, 1440: true, 1441: false} {
		c.SaveIntervalMinutes = minutes
		assert.Equal(t, want, c.intervalRecommended(), "%d minutes", minutes)
	}
}

func TestPercentFromSignal(t *testing.T) {
	cases := map[float64]uint8{
		-3:         0,
		0:          0,
		49.4:       49,
		49.5:       50,
		99.9:       100,
		100:        100,
		130:        100,
		math.NaN(): 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, percentFromSignal(in), "%v", in)
	}
}

func TestParseBatterySignal(t *testing.T) {
	p, ok := parseBatterySignal(&dbus.Signal{
		Name: batterySignalName,
		Body: []interface{}{3.9, 72.6},
	})
	require.True(t, ok)
	assert.Equal(t, uint8(73), p)

	for _, s := range []*dbus.Signal{
		nil,
		{Name: "org.cacophony.attiny.Other", Body: []interface{}{3.9, 72.6}},
		{Name: batterySignalName, Body: []interface{}{72.6}},
		{Name: batterySignalName, Body: []interface{}{3.9, "72"}},
	} {
		_, ok := parseBatterySignal(s)
		assert.False(t, ok)
	}
}

func TestWriteHistory(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, writeHistory(&b, &rpc.GetBatteryHistoryResponse{
		CurrentBattery: 61,
		TotalEntries:   2,
		Entries:        []rpc.Entry{{Timestamp: 30, BatteryPercentage: 64}, {Timestamp: 7230, BatteryPercentage: 61}},
	}))
	assert.Equal(t, "Current battery: 61%\nEntries: 2\n        30s   64%\n      7230s   61%\n", b.String())

	assert.Error(t, writeHistory(&b, nil))
}

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{"--log-level", "debug", "request-history", "trap-1"})
	require.NoError(t, err)
	assert.Equal(t, "debug", args.LogLevel)
	require.NotNil(t, args.RequestHistory)
	assert.Equal(t, "trap-1", args.RequestHistory.DeviceID)

	args, err = procArgs([]string{"service"})
	require.NoError(t, err)
	assert.NotNil(t, args.Service)
	assert.Equal(t, "info", args.LogLevel)

	args, err = procArgs([]string{"-l", "warn", "get"})
	require.NoError(t, err)
	assert.Equal(t, "warn", args.LogLevel)
	assert.NotNil(t, args.Get)
}
