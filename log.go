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

package streams

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Translate LogLevel to kgo.LogLevel
func toKgoLoglevel(level LogLevel) kgo.LogLevel {
	switch level {
	// kgo does not define Trace, let's just say Trace == Debug
	case LogLevelTrace, LogLevelDebug:
		return kgo.LogLevelDebug
	case LogLevelInfo:
		return kgo.LogLevelInfo
	case LogLevelWarn:
		return kgo.LogLevelWarn
	case LogLevelError:
		return kgo.LogLevelError
	}
	return kgo.LogLevelNone
}

// Provides the interface needed by the runtime to integrate with your logging mechanism.
// Both the runtime and the embedded state stores emit through this interface.
type Logger interface {
	Tracef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

// SimpleLogger implements Logger and writes to STDOUT. Good for development purposes.
type SimpleLogger LogLevel

type lazyTimeStampStringer struct{}

func (lazyTimeStampStringer) String() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var lazyTimeStamp = lazyTimeStampStringer{}

func (sl SimpleLogger) Tracef(msg string, args ...any) {
	if LogLevelTrace >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[TRACE] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Debugf(msg string, args ...any) {
	if LogLevelDebug >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[DEBUG] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Infof(msg string, args ...any) {
	if LogLevelInfo >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[INFO] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Warnf(msg string, args ...any) {
	if LogLevelWarn >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[WARN] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Errorf(msg string, args ...any) {
	if LogLevelError >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[ERROR] -", fmt.Sprintf(msg, args...))
	}
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface so applications
// already using structured logging get runtime output in the same stream.
//
//	streams.InitLogger(streams.ZerologLogger{Logger: myZerolog}, streams.LogLevelError)
type ZerologLogger struct {
	Logger zerolog.Logger
}

func (zl ZerologLogger) Tracef(msg string, args ...any) {
	zl.Logger.Trace().Msgf(msg, args...)
}

func (zl ZerologLogger) Debugf(msg string, args ...any) {
	zl.Logger.Debug().Msgf(msg, args...)
}

func (zl ZerologLogger) Infof(msg string, args ...any) {
	zl.Logger.Info().Msgf(msg, args...)
}

func (zl ZerologLogger) Warnf(msg string, args ...any) {
	zl.Logger.Warn().Msgf(msg, args...)
}

func (zl ZerologLogger) Errorf(msg string, args ...any) {
	zl.Logger.Error().Msgf(msg, args...)
}

var log Logger = SimpleLogger(LogLevelError)
var kgoLogger kgo.Logger = kgoLogWrapper(kgo.LogLevelError)

type kgoLogWrapper kgo.LogLevel

func (klw kgoLogWrapper) Level() kgo.LogLevel {
	return kgo.LogLevel(klw)
}

func (klw kgoLogWrapper) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	switch level {
	case kgo.LogLevelDebug:
		log.Debugf(msg, keyvals...)
	case kgo.LogLevelInfo:
		log.Infof(msg, keyvals...)
	case kgo.LogLevelWarn:
		log.Warnf(msg, keyvals...)
	case kgo.LogLevelError:
		log.Errorf(msg, keyvals...)
	}
}

var oneLogger = sync.Once{}

/*
Initializes the runtime logger. `kafkaDriverLogLevel` defines the log level for the
underlying kgo clients. This call should be the first interaction with the module.
Subsequent calls have no effect. If never called, the default uninitialized logger
writes to STDOUT at LogLevelError for both the runtime and kgo.

	 import "github.com/streamweave/streams"

	 func main() {
		streams.InitLogger(streams.SimpleLogger(streams.LogLevelInfo), streams.LogLevelError)
		// ... initialize your application
	 }
*/
func InitLogger(l Logger, kafkaDriverLogLevel LogLevel) Logger {
	oneLogger.Do(func() {
		log = l
		kgoLogger = kgoLogWrapper(toKgoLoglevel(kafkaDriverLogLevel))
	})
	return log
}
