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

package domain

import "context"

// Action is a policy-engine action id.
type Action string

const (
	ActionManageMDRaid       Action = "manage-md-raid"
	ActionModifySystemConfig Action = "modify-system-configuration"
)

// CallerIface is the invocation context's caller credential lookup.
type CallerIface interface {
	// Uid is the real UID of the process that issued the method call.
	Uid(ctx context.Context) (uint32, error)
}

// AuthorizerIface is the authorization policy engine: decides whether
// callerUid may perform action. allowUserInteraction lets the caller skip
// an interactive prompt when it has already established the caller
// doesn't need one (the shortcut rule is expressed by the caller
// pre-computing this flag).
type AuthorizerIface interface {
	CheckAuthorization(ctx context.Context, action Action, callerUid uint32, allowUserInteraction bool) error
}
