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
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProcessingErrorMessage(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := processingError(PhaseFlush, ntp(3, "words"), 41, cause)
	msg := err.Error()
	for _, fragment := range []string{"phase=flush", "topic=words", "partition=3", "offset=41", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("message %q missing %q", msg, fragment)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("ProcessingError must unwrap to its cause")
	}
}

func TestProcessingErrorWithoutPartition(t *testing.T) {
	err := processingError(PhaseCommit, TopicPartition{}, -1, fmt.Errorf("x"))
	if strings.Contains(err.Error(), "topic=") {
		t.Errorf("partition-less error should omit routing detail: %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	plain := fmt.Errorf("nope")
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	wrapped := fmt.Errorf("outer: %w", retryableError{plain})
	if !IsRetryable(wrapped) {
		t.Error("wrapped retryable errors must be detected")
	}
}

func TestSkipCounter(t *testing.T) {
	counter := NewSkipCounter()
	handler := SkipAndCountErrors(counter)
	for i := 0; i < 3; i++ {
		if handler(ntp(0, "words"), int64(i), fmt.Errorf("bad json")) != SkipAndContinue {
			t.Fatal("skip-and-count must continue")
		}
	}
	if counter.Skipped() != 3 {
		t.Errorf("expected 3 skipped, got %d", counter.Skipped())
	}
}
