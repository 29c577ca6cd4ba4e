//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package busobj exports each RAIDArray as an object on the bus: one
// method per operation, one property per published field, translating
// domain.CodedError into the bus's own error-name/message idiom.
package busobj

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"

	"github.com/storkd/storkd/domain"
	"github.com/storkd/storkd/raid"
	"github.com/storkd/storkd/state"
)

const ifaceName = "org.storkd.RAIDArray"

// codeToErrorName maps the error taxonomy onto bus error names, the way a
// D-Bus service conventionally namespaces its faults.
var codeToErrorName = map[domain.Code]string{
	domain.CodeNotAuthorized:   ifaceName + ".NotAuthorized",
	domain.CodeNotFound:        ifaceName + ".NotFound",
	domain.CodeBusy:            ifaceName + ".Busy",
	domain.CodeInvalidArgument: ifaceName + ".InvalidArgument",
	domain.CodeFailed:          ifaceName + ".Failed",
	domain.CodeTimeout:         ifaceName + ".Timeout",
	domain.CodeCancelled:       ifaceName + ".Cancelled",
}

func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	code := domain.CodeOf(err)
	name, ok := codeToErrorName[code]
	if !ok {
		name = ifaceName + ".Failed"
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}

// callerContext threads the D-Bus sender's credentials into the plain
// context.Context raid.Manager expects, resolved via the bus daemon's
// GetConnectionUnixUser call (domain.CallerIface's production
// implementation; see busobj.Caller).
type callerCtxKey struct{}

func withSender(ctx context.Context, sender dbus.Sender) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, sender)
}

// SenderFromContext recovers the D-Bus unique name of the method caller,
// for use by a domain.CallerIface implementation that resolves it to a
// uid via GetConnectionUnixUser.
func SenderFromContext(ctx context.Context) (dbus.Sender, bool) {
	s, ok := ctx.Value(callerCtxKey{}).(dbus.Sender)
	return s, ok
}

// Array is the exported bus object backing one domain.RAIDArray.
type Array struct {
	uuid  string
	mgr   *raid.Manager
	db    *state.ArrayDB
	props *prop.Properties
}

// Export registers array's object on conn at path, with both the method
// interface and a standard org.freedesktop.DBus.Properties implementation
// over its published fields. The returned *Array is kept by the caller
// (typically the reconciliation loop) to call Notify after an update.
func Export(conn *dbus.Conn, path dbus.ObjectPath, uuid string, mgr *raid.Manager, db *state.ArrayDB) (*Array, error) {
	obj := &Array{uuid: uuid, mgr: mgr, db: db}

	if err := conn.Export(obj, path, ifaceName); err != nil {
		return nil, fmt.Errorf("busobj: exporting %s: %w", path, err)
	}

	props, err := prop.Export(conn, path, prop.Map{ifaceName: obj.propertySpecs()})
	if err != nil {
		return nil, fmt.Errorf("busobj: exporting properties for %s: %w", path, err)
	}
	obj.props = props

	logrus.WithField("path", path).Info("busobj: exported RAID array object")
	return obj, nil
}

// Notify pushes the current in-memory RAIDArray fields out as property
// values, emitting PropertiesChanged for anything that actually changed
// (prop.EmitTrue does the diffing) — the bus-layer half of the
// reconciler's update(array) -> changed contract.
func (a *Array) Notify() {
	array, ok := a.db.Get(a.uuid)
	if !ok {
		return
	}
	for name, p := range a.propertySpecsFor(array) {
		// SetMust is the service-side setter: it bypasses the Writable
		// check (these properties are read-only to clients) and emits
		// PropertiesChanged per the Emit policy.
		a.props.SetMust(ifaceName, name, p.Value)
	}
}

func (a *Array) propertySpecs() map[string]*prop.Prop {
	array, ok := a.db.Get(a.uuid)
	if !ok {
		array = &domain.RAIDArray{}
	}
	return a.propertySpecsFor(array)
}

func (a *Array) propertySpecsFor(array *domain.RAIDArray) map[string]*prop.Prop {
	return map[string]*prop.Prop{
		"Uuid":           {Value: array.UUID, Writable: false, Emit: prop.EmitTrue},
		"Name":           {Value: array.Name, Writable: false, Emit: prop.EmitTrue},
		"Level":          {Value: string(array.Level), Writable: false, Emit: prop.EmitTrue},
		"NumDevices":     {Value: int32(array.NumDevices), Writable: false, Emit: prop.EmitTrue},
		"SizeBytes":      {Value: array.SizeBytes, Writable: false, Emit: prop.EmitTrue},
		"Degraded":       {Value: int32(array.Degraded), Writable: false, Emit: prop.EmitTrue},
		"SyncAction":     {Value: string(array.SyncAction), Writable: false, Emit: prop.EmitTrue},
		"SyncFrac":       {Value: array.SyncFrac, Writable: false, Emit: prop.EmitTrue},
		"SyncRate":       {Value: array.SyncRate, Writable: false, Emit: prop.EmitTrue},
		"SyncRemain":     {Value: array.SyncRemain, Writable: false, Emit: prop.EmitTrue},
		"BitmapLocation": {Value: string(array.BitmapLoc), Writable: false, Emit: prop.EmitTrue},
		"BitmapPath":     {Value: array.BitmapPath, Writable: false, Emit: prop.EmitTrue},
		"ChunkBytes":     {Value: array.ChunkBytes, Writable: false, Emit: prop.EmitTrue},
	}
}

func toOptions(opts map[string]dbus.Variant) domain.OperationOptions {
	var out domain.OperationOptions
	if v, ok := opts["start-degraded"]; ok {
		if b, ok := v.Value().(bool); ok {
			out.StartDegraded = b
		}
	}
	if v, ok := opts["wipe"]; ok {
		if b, ok := v.Value().(bool); ok {
			out.Wipe = b
		}
	}
	if v, ok := opts["tear-down"]; ok {
		if b, ok := v.Value().(bool); ok {
			out.TearDown = b
		}
	}
	return out
}

// Start implements the Start bus method.
func (a *Array) Start(options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.Start(ctx, a.uuid, toOptions(options)))
}

func (a *Array) Stop(options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.Stop(ctx, a.uuid, toOptions(options)))
}

func (a *Array) AddDevice(memberPath dbus.ObjectPath, options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.AddMember(ctx, a.uuid, domain.ObjectID(memberPath), toOptions(options)))
}

func (a *Array) RemoveDevice(memberPath dbus.ObjectPath, options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.RemoveMember(ctx, a.uuid, domain.ObjectID(memberPath), toOptions(options)))
}

func (a *Array) SetBitmapLocation(value string, options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.SetBitmapLocation(ctx, a.uuid, domain.BitmapLocation(value), toOptions(options)))
}

func (a *Array) RequestSyncAction(value string, options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.RequestSyncAction(ctx, a.uuid, domain.SyncAction(value), toOptions(options)))
}

func (a *Array) Delete(options map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	ctx := withSender(context.Background(), sender)
	return toDBusError(a.mgr.Delete(ctx, a.uuid, toOptions(options)))
}
