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

import "fmt"

// Code identifies the class of failure of a control-surface invocation, the
// way a gRPC status code would, but shaped for the D-Bus-style error names
// this daemon's bus objects raise.
type Code string

const (
	CodeNotAuthorized   Code = "NotAuthorized"
	CodeNotFound        Code = "NotFound"
	CodeBusy            Code = "Busy"
	CodeInvalidArgument Code = "InvalidArgument"
	CodeFailed          Code = "Failed"
	CodeTimeout         Code = "Timeout"
	CodeCancelled       Code = "Cancelled"
)

// CodedError is the error type every control-surface operation returns.
type CodedError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

func NewError(code Code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code Code, err error, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code of err, defaulting to CodeFailed for errors that
// did not originate from this package.
func CodeOf(err error) Code {
	var ce *CodedError
	if As(err, &ce) {
		return ce.Code
	}
	return CodeFailed
}

// As walks err's Unwrap chain and stores the first *CodedError it finds in
// target, so callers don't need errors.As for the common case.
func As(err error, target **CodedError) bool {
	for err != nil {
		if ce, ok := err.(*CodedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
