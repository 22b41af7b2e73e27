// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter formats log lines in the compact glog style:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
type GoogleEmitter struct {
	*Writer
}

var pid = os.Getpid()

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	var lc byte
	switch level {
	case Debug:
		lc = 'D'
	case Info:
		lc = 'I'
	case Warning:
		lc = 'W'
	default:
		lc = '?'
	}

	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(f, '/'); slash >= 0 {
			f = f[slash+1:]
		}
		file, line = f, l
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	msg := fmt.Sprintf(format, v...)

	fmt.Fprintf(g.Writer, "%c%02d%02d %02d:%02d:%02d.%06d %7d %s:%d] %s\n",
		lc, int(month), day, hour, minute, second, timestamp.Nanosecond()/1000, pid, file, line, msg)
}
