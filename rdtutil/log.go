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

package rdtutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Verbosity is the four-level log verbosity the library accepts at Init.
type Verbosity int

const (
	Silent Verbosity = iota
	Info
	Verbose
	Superverbose
)

// Callback receives one formatted log line; used when the caller configures
// callback_log instead of (or in addition to) fd_log.
type Callback func(level Verbosity, msg string)

// Logger is the process-wide logging sink. It is created once by rdtstate.Init
// and held for the lifetime of the snapshot; there is deliberately no package
// level global so that Init/Fini can be exercised repeatedly in tests.
type Logger struct {
	level Verbosity
	log   *logrus.Logger
	cb    Callback
}

// callbackHook forwards every logrus entry to the caller-supplied Callback.
type callbackHook struct {
	cb Callback
}

func (h *callbackHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callbackHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	h.cb(levelToVerbosity(e.Level), line)
	return nil
}

func levelToVerbosity(l logrus.Level) Verbosity {
	switch l {
	case logrus.ErrorLevel, logrus.WarnLevel:
		return Info
	case logrus.InfoLevel:
		return Verbose
	default:
		return Superverbose
	}
}

func verbosityToLevel(v Verbosity) logrus.Level {
	switch v {
	case Silent:
		return logrus.PanicLevel // nothing below Panic is ever logged at Silent
	case Info:
		return logrus.WarnLevel
	case Verbose:
		return logrus.InfoLevel
	default:
		return logrus.TraceLevel
	}
}

// NewLogger builds a Logger writing to w (may be nil) and/or invoking cb
// (may be nil) at the requested verbosity.
func NewLogger(level Verbosity, w io.Writer, cb Callback) *Logger {
	l := logrus.New()
	l.SetLevel(verbosityToLevel(level))
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if w != nil {
		l.SetOutput(w)
	} else {
		l.SetOutput(io.Discard)
	}

	if cb != nil {
		l.AddHook(&callbackHook{cb: cb})
	}

	return &Logger{level: level, log: l, cb: cb}
}

func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.log.Infof(format, args...)
}

func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.log.Warnf(format, args...)
}

func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.log.Errorf(format, args...)
}

func (lg *Logger) Tracef(format string, args ...interface{}) {
	lg.log.Tracef(format, args...)
}

// Discard is a Logger that drops everything; used before Init or in tests
// that don't care about log output.
var Discard = NewLogger(Silent, nil, nil)
