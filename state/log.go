// Copyright 2024 StreamWeave Contributors.
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

package state

import "fmt"

// Logger mirrors the root package's logging interface so a single sink can be
// shared across the runtime and the state subsystem.
type Logger interface {
	Tracef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Tracef(string, ...any) {}
func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

var log Logger = noopLogger{}

// SetLogger installs the logging sink for the state subsystem. Also used to
// bridge badger's internal logging.
func SetLogger(l Logger) {
	if l != nil {
		log = l
	}
}

// badgerLogger satisfies badger.Logger on top of our Logger. Badger's
// formatted messages arrive with trailing newlines, which our sinks add
// themselves, so they are trimmed by Sprintf round trip.
type badgerLogger struct{}

func (badgerLogger) Errorf(msg string, args ...any) {
	log.Errorf("badger: %s", trimNewline(fmt.Sprintf(msg, args...)))
}

func (badgerLogger) Warningf(msg string, args ...any) {
	log.Warnf("badger: %s", trimNewline(fmt.Sprintf(msg, args...)))
}

func (badgerLogger) Infof(msg string, args ...any) {
	log.Debugf("badger: %s", trimNewline(fmt.Sprintf(msg, args...)))
}

func (badgerLogger) Debugf(msg string, args ...any) {
	log.Tracef("badger: %s", trimNewline(fmt.Sprintf(msg, args...)))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
