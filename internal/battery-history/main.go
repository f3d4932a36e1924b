/*
battery-history - Keeps a history of the device battery level
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package batteryhistory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/battery-history/history"
	"github.com/TheCacophonyProject/battery-history/relay"
	"github.com/TheCacophonyProject/battery-history/rpc"
	"github.com/TheCacophonyProject/battery-history/settings"
	"github.com/TheCacophonyProject/battery-history/telemetry"
	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/alexflint/go-arg"
	"github.com/godbus/dbus/v5"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Service        *subcommand         `arg:"subcommand:service" help:"Run the battery history service."`
	Get            *subcommand         `arg:"subcommand:get" help:"Print the battery history held by the service."`
	Clear          *subcommand         `arg:"subcommand:clear" help:"Clear the battery history held by the service."`
	RequestHistory *requestHistoryArgs `arg:"subcommand:request-history" help:"Ask a sampler to send its battery history. On a sampler this sends the local history."`
	goconfig.ConfigArgs
	logging.LogArgs
}

type subcommand struct {
}

type requestHistoryArgs struct {
	DeviceID string `arg:"positional" help:"The sampler to request the history from."`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	switch {
	case args.Get != nil:
		return printHistory(os.Stdout)
	case args.Clear != nil:
		return clearHistory(os.Stdout)
	case args.RequestHistory != nil:
		return callRequestHistory(args.RequestHistory.DeviceID)
	case args.Service != nil:
	default:
		return fmt.Errorf("no subcommand given, use --help for usage")
	}

	log.Infof("Running version: %s", version)

	config, err := ParseConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	go func() {
		if err := checkConfigChanges(config, args.ConfigDir); err != nil {
			log.Error("Failed to watch config file:", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runService(ctx, config)
}

func runService(ctx context.Context, config *Config) error {
	if !config.intervalRecommended() {
		log.Warnf("Save interval of %d minutes is outside the recommended %d to %d minutes",
			config.SaveIntervalMinutes, minRecommendedInterval, maxRecommendedInterval)
	}

	collector := telemetry.Noop()
	if config.MetricsAddress != "" {
		c, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return err
		}
		collector = c
		go serveMetrics(config.MetricsAddress)
	}

	store, err := settings.OpenBolt(config.StateFile)
	if err != nil {
		return err
	}
	defer store.Close()

	sensor := &signalSensor{}
	h, err := history.New(config.MaxEntries, store, sensor, nil, log.Logger, collector)
	if err != nil {
		return err
	}
	if err := h.Persister.Load(); err != nil {
		log.Warnf("Battery history was only partly restored: %v", err)
	}

	l := newLoop(h, sensor, collector, config.RelayRole(), config.SaveInterval(), log.Logger)

	if config.Relay.Enable {
		transport, err := relay.DialMQTT(ctx, relay.MQTTConfig{
			Broker:      config.Relay.Broker,
			TopicPrefix: config.Relay.TopicPrefix,
			DeviceID:    config.DeviceID,
			Role:        config.RelayRole(),
		}, log.Logger)
		if err != nil {
			// The local history is still kept without the relay.
			log.Errorf("Failed to start battery relay: %v", err)
		} else {
			defer transport.Close()
			l.attachRelay(ctx, transport)
		}
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	if err := startService(ctx, conn, l); err != nil {
		return err
	}
	if err := addBatteryEvents(ctx, conn, l); err != nil {
		return err
	}

	log.Infof("Battery history started, role: %s, save interval: %s, max entries: %d, loaded entries: %d",
		config.Role, config.SaveInterval(), config.MaxEntries, h.Buffer.Count())
	return l.run(ctx)
}

func serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(nil))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("Serving metrics on %s", address)
	if err := server.ListenAndServe(); err != nil {
		log.Errorf("Metrics server stopped: %v", err)
	}
}

func call(req rpc.RequestType) (*rpc.Response, error) {
	payload, err := rpc.EncodeRequest(rpc.Request{Type: req})
	if err != nil {
		return nil, err
	}
	raw, err := callRequest(payload)
	if err != nil {
		return nil, err
	}
	resp, err := rpc.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("battery history service: %s", resp.Error.Message)
	}
	return resp, nil
}

func printHistory(w io.Writer) error {
	resp, err := call(rpc.RequestGetBatteryHistory)
	if err != nil {
		return err
	}
	return writeHistory(w, resp.BatteryHistory)
}

func writeHistory(w io.Writer, h *rpc.GetBatteryHistoryResponse) error {
	if h == nil {
		return fmt.Errorf("unexpected response from battery history service")
	}
	fmt.Fprintf(w, "Current battery: %d%%\n", h.CurrentBattery)
	fmt.Fprintf(w, "Entries: %d\n", h.TotalEntries)
	for _, e := range h.Entries {
		fmt.Fprintf(w, "%10ds %4d%%\n", e.Timestamp, e.BatteryPercentage)
	}
	return nil
}

func clearHistory(w io.Writer) error {
	resp, err := call(rpc.RequestClearBatteryHistory)
	if err != nil {
		return err
	}
	if resp.ClearBatteryHistory == nil || !resp.ClearBatteryHistory.Success {
		return fmt.Errorf("failed to clear battery history")
	}
	fmt.Fprintln(w, "Battery history cleared")
	return nil
}
