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
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/battery-history/rpc"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	dbusName = "org.cacophony.BatteryHistory"
	dbusPath = "/org/cacophony/BatteryHistory"

	batterySignalName = "org.cacophony.attiny.Battery"
	batteryMatchRule  = "type='signal',interface='org.cacophony.attiny'"
)

type service struct {
	ctx  context.Context
	loop *loop
}

func startService(ctx context.Context, conn *dbus.Conn, l *loop) error {
	log.Info("Starting battery history DBus service")
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{ctx: ctx, loop: l}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return err
	}
	return conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Request takes an encoded battery history request and returns the encoded response.
func (s service) Request(payload []byte) ([]byte, *dbus.Error) {
	log.Debug("Got DBus message 'Request'")
	resp, err := s.loop.request(s.ctx, payload)
	return resp, dbusErr(err)
}

// RequestHistory asks the sampler deviceID to send its history. On a sampler deviceID is ignored
// and the local history is sent.
func (s service) RequestHistory(deviceID string) *dbus.Error {
	log.Debugf("Got DBus message 'RequestHistory' for '%s'", deviceID)
	return dbusErr(s.loop.requestHistoryFrom(s.ctx, deviceID))
}

// Subsystem returns the subsystem identifier and its security tier.
func (s service) Subsystem() (string, string, *dbus.Error) {
	return rpc.SubsystemName, s.loop.handler.Security().String(), nil
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}

// addBatteryEvents listens for the attiny battery broadcasts and feeds them to the loop.
func addBatteryEvents(ctx context.Context, conn *dbus.Conn, l *loop) error {
	call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, batteryMatchRule)
	if call.Err != nil {
		return call.Err
	}

	c := make(chan *dbus.Signal, 10)
	conn.Signal(c)

	log.Infof("Listening for D-Bus signals: %s", batterySignalName)
	go func() {
		defer conn.RemoveSignal(c)
		for {
			select {
			case <-ctx.Done():
				return
			case signal, ok := <-c:
				if !ok {
					return
				}
				percent, ok := parseBatterySignal(signal)
				if !ok {
					continue
				}
				l.enqueue(ctx, chargeChanged{percent: percent})
			}
		}
	}()
	return nil
}

// parseBatterySignal reads the percentage from a battery signal with a body of voltage, percent.
func parseBatterySignal(signal *dbus.Signal) (uint8, bool) {
	if signal == nil || signal.Name != batterySignalName {
		return 0, false
	}
	if len(signal.Body) != 2 {
		log.Errorf("Unexpected signal format in body: %v", signal.Body)
		return 0, false
	}
	voltage, _ := signal.Body[0].(float64)
	percent, ok := signal.Body[1].(float64)
	if !ok {
		log.Errorf("Unexpected battery percent type %T", signal.Body[1])
		return 0, false
	}
	log.Debugf("Battery signal, voltage: %.2f, percent: %.1f", voltage, percent)
	return percentFromSignal(percent), true
}

// Client side, used by the get/clear/request-history commands.

func callRequest(payload []byte) ([]byte, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(dbusName, dbusPath)

	var response []byte
	if err := obj.Call(dbusName+".Request", 0, payload).Store(&response); err != nil {
		return nil, err
	}
	return response, nil
}

func callRequestHistory(deviceID string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	obj := conn.Object(dbusName, dbusPath)
	return obj.Call(dbusName+".RequestHistory", 0, deviceID).Err
}
