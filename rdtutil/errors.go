//
// Copyright 2024 Nestybox, Inc.
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

// Package rdtutil holds the low-level support code shared by every RDT
// package: the error taxonomy, logging, locking, symlink-safe file I/O, cpu
// id-list helpers and the small parsers used to decode masks and ranges.
package rdtutil

import (
	"errors"
	"fmt"
)

// Code is the library-wide error taxonomy. It mirrors the PQoS return-code
// enum (OK/PARAM/ERROR/INIT/BUSY/RESOURCE/PERM/OVERFLOW): every public entry
// point returns an error that wraps exactly one Code, and callers match on
// it with errors.Is.
type Code int

const (
	// OK is never itself returned as an error; it exists so Code has a zero
	// value distinct from the other codes.
	OK Code = iota
	Param
	Err
	Init
	Busy
	Resource
	Perm
	Overflow
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Param:
		return "param"
	case Err:
		return "error"
	case Init:
		return "init"
	case Busy:
		return "busy"
	case Resource:
		return "resource"
	case Perm:
		return "perm"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// sentinel errors, one per Code, suitable for errors.Is.
var (
	ErrParam    = errors.New("param")
	ErrInternal = errors.New("error")
	ErrInit     = errors.New("init")
	ErrBusy     = errors.New("busy")
	ErrResource = errors.New("resource")
	ErrPerm     = errors.New("perm")
	ErrOverflow = errors.New("overflow")
)

// codeErr pairs a Code with its sentinel so CodeOf can recover the Code from
// an arbitrary wrapped error.
var codeErr = map[Code]error{
	Param:    ErrParam,
	Err:      ErrInternal,
	Init:     ErrInit,
	Busy:     ErrBusy,
	Resource: ErrResource,
	Perm:     ErrPerm,
	Overflow: ErrOverflow,
}

// Wrap annotates msg with the sentinel for code, so that errors.Is(result,
// ErrParam), errors.Is(result, ErrBusy) and so on hold for callers further up
// the stack.
func Wrap(code Code, msg string) error {
	return &codedError{code: code, msg: msg}
}

// Wrapf is like Wrap but also chains an underlying cause, formatting msg
// with args as fmt.Sprintf would.
func Wrapf(code Code, cause error, msg string, args ...interface{}) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &codedError{code: code, msg: msg, cause: cause}
}

type codedError struct {
	code  Code
	msg   string
	cause error
}

func (e *codedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *codedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return codeErr[e.code]
}

func (e *codedError) Is(target error) bool {
	return codeErr[e.code] == target
}

// CodeOf recovers the Code carried by err, or Err if err does not originate
// from this package's Wrap/Wrapf.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	for code, sentinel := range codeErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return Err
}
