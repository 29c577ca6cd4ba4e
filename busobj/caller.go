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

package busobj

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/storkd/storkd/domain"
)

// Caller implements domain.CallerIface over a live bus connection,
// resolving the sender threaded through the context by withSender back to
// a real uid via the bus daemon's own credential tracking (there is no way
// to spoof GetConnectionUnixUser from the client side).
type Caller struct {
	conn *dbus.Conn
}

func NewCaller(conn *dbus.Conn) *Caller {
	return &Caller{conn: conn}
}

func (c *Caller) Uid(ctx context.Context) (uint32, error) {
	sender, ok := SenderFromContext(ctx)
	if !ok {
		return 0, fmt.Errorf("busobj: no caller in context")
	}

	var uid uint32
	err := c.conn.BusObject().
		CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).
		Store(&uid)
	if err != nil {
		return 0, fmt.Errorf("busobj: resolving uid of %s: %w", sender, err)
	}
	return uid, nil
}

var _ domain.CallerIface = (*Caller)(nil)
