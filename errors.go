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
	"time"

	"golang.org/x/time/rate"
)

// Phase identifies where in the consume/execute/commit cycle a fatal error
// originated. It is part of the structured exit message.
type Phase string

const (
	PhasePoll        Phase = "poll"
	PhaseDeserialize Phase = "deserialize"
	PhasePipeline    Phase = "pipeline"
	PhaseProduce     Phase = "produce"
	PhaseFlush       Phase = "flush"
	PhaseCommit      Phase = "commit"
	PhaseStoreCommit Phase = "store-commit"
	PhaseRecovery    Phase = "recovery"
)

var (
	// ErrFlushTimeout is returned by [RowProducer.Flush] when in-flight messages
	// were not acknowledged within the timeout. All unacked messages must be
	// treated as lost for the current checkpoint.
	ErrFlushTimeout = errors.New("producer flush timeout")

	// ErrPartitionNotAssigned is returned when addressing a partition this
	// instance does not currently own.
	ErrPartitionNotAssigned = errors.New("partition not assigned")

	// ErrNotTransactional is returned when a transactional producer operation is
	// invoked on a producer created without a transactional id.
	ErrNotTransactional = errors.New("producer is not transactional")
)

// ProcessingError is the structured fatal error surfaced to the caller on loop
// exit: the phase, the offending TopicPartition/offset when applicable, and
// the underlying cause.
type ProcessingError struct {
	Phase          Phase
	TopicPartition TopicPartition
	Offset         int64
	Err            error
}

func (pe *ProcessingError) Error() string {
	if pe.TopicPartition.Topic == "" {
		return fmt.Sprintf("phase=%s: %v", pe.Phase, pe.Err)
	}
	return fmt.Sprintf("phase=%s topic=%s partition=%d offset=%d: %v",
		pe.Phase, pe.TopicPartition.Topic, pe.TopicPartition.Partition, pe.Offset, pe.Err)
}

func (pe *ProcessingError) Unwrap() error {
	return pe.Err
}

func processingError(phase Phase, tp TopicPartition, offset int64, err error) *ProcessingError {
	return &ProcessingError{Phase: phase, TopicPartition: tp, Offset: offset, Err: err}
}

// retryableError marks broker inspection timeouts and similar conditions the
// caller may retry.
type retryableError struct {
	err error
}

func (re retryableError) Error() string {
	return fmt.Sprintf("retryable: %v", re.err)
}

func (re retryableError) Unwrap() error {
	return re.err
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	var re retryableError
	return errors.As(err, &re)
}

// ErrorResponse instructs the runtime how to proceed when a per-record error
// is encountered.
type ErrorResponse int

const (
	// Skip the record in error, count it, and continue processing.
	SkipAndContinue ErrorResponse = iota
	// Stop the loop. The in-flight checkpoint is aborted first.
	FailLoop
)

// DeserializationErrorHandler classifies a deserialization failure.
// The default halts the loop.
type DeserializationErrorHandler func(tp TopicPartition, offset int64, err error) ErrorResponse

// PipelineErrorHandler classifies a user-pipeline failure for one record.
// The default halts the loop.
type PipelineErrorHandler func(row Row, err error) ErrorResponse

func DefaultDeserializationErrorHandler(tp TopicPartition, offset int64, err error) ErrorResponse {
	log.Errorf("failed to deserialize record for %+v, offset: %d, error: %v", tp, offset, err)
	return FailLoop
}

func DefaultPipelineErrorHandler(row Row, err error) ErrorResponse {
	log.Errorf("pipeline failed for %+v, offset: %d, error: %v", row.TopicPartition(), row.Offset(), err)
	return FailLoop
}

// SkipAndCountErrors returns a handler that skips every failed record and
// keeps a running count. Warnings are throttled so a poisoned topic cannot
// flood the log sink.
func SkipAndCountErrors(counter *SkipCounter) DeserializationErrorHandler {
	return func(tp TopicPartition, offset int64, err error) ErrorResponse {
		counter.count(fmt.Sprintf("%s/%d@%d", tp.Topic, tp.Partition, offset), err)
		return SkipAndContinue
	}
}

// SkipCounter tracks skipped records under a skip-and-count policy.
type SkipCounter struct {
	skipped int64
	limiter *rate.Limiter
}

func NewSkipCounter() *SkipCounter {
	return &SkipCounter{limiter: rate.NewLimiter(rate.Every(5*time.Second), 1)}
}

func (sc *SkipCounter) count(where string, err error) {
	sc.skipped++
	if sc.limiter.Allow() {
		log.Warnf("skipping record at %s (%d skipped so far): %v", where, sc.skipped, err)
	}
}

// Skipped returns the number of records skipped so far.
func (sc *SkipCounter) Skipped() int64 {
	return sc.skipped
}
