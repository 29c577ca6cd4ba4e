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

// Package auth is the default domain.AuthorizerIface: a root shortcut
// (uid 0 never goes through the authorization authority) plus a pluggable
// backing check for everyone else. The backing check is left as a narrow
// collaborator interface (PolicyBackend) rather than wired directly to a
// particular polkit binding, since the authority itself is a deployment
// concern this package doesn't own.
package auth

import (
	"context"

	"github.com/storkd/storkd/domain"
)

// PolicyBackend is consulted for every non-root caller. It is the seam where a real polkit.Authority lookup (or a
// no-interaction-allowed test double) plugs in.
type PolicyBackend interface {
	IsAuthorized(ctx context.Context, action domain.Action, callerUid uint32, allowUserInteraction bool) (bool, error)
}

// Authorizer implements domain.AuthorizerIface.
type Authorizer struct {
	backend PolicyBackend
}

func New(backend PolicyBackend) *Authorizer {
	return &Authorizer{backend: backend}
}

// CheckAuthorization is the authorizer collaborator wired into every RAID
// operation. Root bypasses the backend entirely; every other caller goes
// to the backend. The uid recorded as having started the resource does
// not bypass it: the caller (raid.Manager, via
// cleanup.Engine.FindMountedFsByDevice — this function itself does not
// know about journals) passes allowUserInteraction=false for that uid.
func (a *Authorizer) CheckAuthorization(ctx context.Context, action domain.Action, callerUid uint32, allowUserInteraction bool) error {
	if callerUid == 0 {
		return nil
	}

	ok, err := a.backend.IsAuthorized(ctx, action, callerUid, allowUserInteraction)
	if err != nil {
		return domain.WrapError(domain.CodeFailed, err, "checking authorization for %s", action)
	}
	if !ok {
		return domain.NewError(domain.CodeNotAuthorized, "caller uid %d is not authorized for %s", callerUid, action)
	}
	return nil
}
