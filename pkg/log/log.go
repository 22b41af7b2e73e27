// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements a leveled, emitter-based logging facility used at
// the channel's lifecycle and error boundaries. It is intentionally never
// called from the batched read/write loops in pkg/channel.
package log

import (
	"sync/atomic"
	"time"
)

// Level specifies a log level.
type Level int32

// Levels, in increasing order of verbosity.
const (
	Warning Level = iota
	Info
	Debug
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Emitter is the interface for anything that can emit logs.
type Emitter interface {
	// Emit emits the given log message, specifying the calling depth for
	// file:line resolution, in a format dictated by the Emitter.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Logger is the interface for logging at particular levels.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// BasicLogger logs through a single Emitter at a minimum level.
type BasicLogger struct {
	Level Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(1, Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(1, Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(1, Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadInt32((*int32)(&l.Level)) >= int32(level)
}

// SetLevel sets the minimum level for this logger.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreInt32((*int32)(&l.Level), int32(level))
}

// MultiEmitter broadcasts to every emitter in the slice.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m *MultiEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	for _, e := range *m {
		e.Emit(depth+1, level, timestamp, format, v...)
	}
}

// log is the global logger used by the package-level helpers below.
var log = &BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: discard{}}}}

// Log returns the global Logger.
func Log() *BasicLogger {
	return log
}

// SetTarget sets the emitter used by the global logger.
func SetTarget(e Emitter) {
	log.Emitter = e
}

// SetLevel sets the minimum level logged by the global logger.
func SetLevel(level Level) {
	log.SetLevel(level)
}

// IsLogging returns whether the global logger logs at the given level.
func IsLogging(level Level) bool {
	return log.IsLogging(level)
}

// Debugf logs at the Debug level via the global logger.
func Debugf(format string, v ...any) {
	if log.IsLogging(Debug) {
		log.Emit(1, Debug, time.Now(), format, v...)
	}
}

// Infof logs at the Info level via the global logger.
func Infof(format string, v ...any) {
	if log.IsLogging(Info) {
		log.Emit(1, Info, time.Now(), format, v...)
	}
}

// Warningf logs at the Warning level via the global logger.
func Warningf(format string, v ...any) {
	if log.IsLogging(Warning) {
		log.Emit(1, Warning, time.Now(), format, v...)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Writer wraps an underlying writer, satisfying io.Writer so it can be
// embedded by the format-specific emitters below.
type Writer struct {
	Next interface {
		Write(p []byte) (int, error)
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.Next.Write(p)
}
