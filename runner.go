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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamweave/streams/sak"
	"github.com/streamweave/streams/state"
	"github.com/twmb/franz-go/pkg/kgo"
)

/*
Runner is the processing loop: a single-threaded consume -> execute ->
state-update -> produce -> commit cycle over one consumer, one producer and
one state view. Sources run elsewhere and meet the loop only through Kafka.

Construction, pipeline registration and Run are expected from one goroutine;
rebalance callbacks synchronize through the runner's mutex.
*/
type Runner struct {
	cfg       Config
	cluster   Cluster
	topics    *TopicManager
	stores    *state.Manager
	producer  *RowProducer
	committer *Committer
	client    *kgo.Client

	states     map[TopicPartition]*PartitionState
	bindings   map[string]*pipelineBinding
	checkpoint *Checkpoint

	deserErrors    DeserializationErrorHandler
	pipelineErrors PipelineErrorHandler

	metrics   *metricEmitter
	latency   *LatencySummary
	recovered chan TopicPartition
	runStatus sak.RunStatus
	id        string
	epoch     int64
	txnOpen   bool

	failMux  sync.Mutex
	fatalErr error
	mux      sync.Mutex
}

// NewRunner builds a Runner for the config and cluster. Pipelines are added
// with [Runner.AddPipeline] before calling [Runner.Run].
func NewRunner(cfg Config, cluster Cluster) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:            cfg,
		cluster:        cluster,
		topics:         NewTopicManager(cluster, cfg.ConsumerGroup),
		stores:         state.NewManager(cfg.StateDir, cfg.ConsumerGroup, cfg.UseChangelogTopics),
		states:         make(map[TopicPartition]*PartitionState),
		bindings:       make(map[string]*pipelineBinding),
		checkpoint:     NewCheckpoint(),
		deserErrors:    DefaultDeserializationErrorHandler,
		pipelineErrors: DefaultPipelineErrorHandler,
		latency:        NewLatencySummary(),
		recovered:      make(chan TopicPartition, 64),
		id:             uuid.NewString(),
		epoch:          time.Now().UnixMilli(),
	}
	return r, nil
}

// Topics exposes the runner's topic manager for registration and derivation.
func (r *Runner) Topics() *TopicManager {
	return r.topics
}

// Stores exposes the state manager, e.g. for test inspection after a run.
func (r *Runner) Stores() *state.Manager {
	return r.stores
}

// Latency exposes the checkpoint/flush latency summary.
func (r *Runner) Latency() *LatencySummary {
	return r.latency
}

// OnDeserializationError installs the per-record deserialization policy.
func (r *Runner) OnDeserializationError(h DeserializationErrorHandler) {
	if h != nil {
		r.deserErrors = h
	}
}

// OnPipelineError installs the per-record pipeline error policy.
func (r *Runner) OnPipelineError(h PipelineErrorHandler) {
	if h != nil {
		r.pipelineErrors = h
	}
}

// OnMetrics installs the metrics handler. Must be called before Run.
func (r *Runner) OnMetrics(h MetricsHandler) {
	r.metrics = newMetricEmitter(h)
}

/*
AddPipeline binds `pipeline` to the consumable `topic` and registers a store
(plus its derived changelog topic) for every name in `stores`. Records from
the topic are dispatched to the pipeline strictly in offset order per
partition.
*/
func (r *Runner) AddPipeline(topic *Topic, stores []string, pipeline Pipeline) error {
	if !topic.consumable() {
		return fmt.Errorf("topic %s has no deserializers and cannot be consumed", topic.Name)
	}
	binding := &pipelineBinding{topic: topic, pipeline: pipeline, stores: stores}
	r.mux.Lock()
	r.bindings[topic.Name] = binding
	r.mux.Unlock()
	for _, store := range stores {
		changelog := r.topics.ChangelogTopic(topic, store)
		r.stores.RegisterStore(topic.Name, store, changelog.Name)
	}
	return nil
}

func (r *Runner) bindingFor(topic string) *pipelineBinding {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.bindings[topic]
}

// fail records the first fatal error and halts the loop.
func (r *Runner) fail(err error) {
	r.failMux.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.failMux.Unlock()
	r.runStatus.Halt()
}

func (r *Runner) fatal() error {
	r.failMux.Lock()
	defer r.failMux.Unlock()
	return r.fatalErr
}

// Stop signals a graceful shutdown: polling stops, buffered records for
// resumed partitions drain, a final checkpoint is taken and all resources
// close in order.
func (r *Runner) Stop() {
	r.runStatus.Halt()
}

/*
Run executes the processing loop until ctx is cancelled, [Runner.Stop] is
called, or a fatal error occurs. The returned error is nil on a clean
shutdown. A failure inside the processing loop is a [ProcessingError] naming
the phase; a setup failure (topic creation or validation, client
construction) is returned as is.
*/
func (r *Runner) Run(ctx context.Context) error {
	state.SetLogger(log)
	r.runStatus = sak.NewRunStatus(ctx)
	if r.metrics == nil {
		r.metrics = newMetricEmitter(nil)
	}
	if err := r.setup(ctx); err != nil {
		return err
	}
	log.Infof("runner %s starting: group=%s guarantee=%s", r.id, r.cfg.ConsumerGroup, r.cfg.Guarantee)

	err := r.loop()
	r.shutdown(err)
	if err == nil {
		err = r.fatal()
	}
	return err
}

func (r *Runner) setup(ctx context.Context) error {
	if len(r.bindings) == 0 {
		return fmt.Errorf("no pipelines registered")
	}
	if err := r.topics.EnsureTopics(ctx); err != nil {
		return err
	}
	if err := r.topics.ValidateAll(ctx); err != nil {
		return err
	}

	inputTopics := sak.MapKeysToSlice(r.bindings)
	producerCfg := RowProducerConfig{
		Transactional:      r.cfg.Guarantee == ExactlyOnce,
		MaxBufferedRecords: r.cfg.MaxBufferedRecords,
		ExtraOpts:          translateProducerConfig(r.cfg.ProducerExtraConfig),
	}
	if producerCfg.Transactional {
		producerCfg.TransactionalID = TransactionalID(r.cfg.ConsumerGroup, r.cfg.ApplicationID, inputTopics[0], -1)
	}
	producer, err := NewRowProducer(r.cluster, producerCfg)
	if err != nil {
		return err
	}
	r.producer = producer

	assignor := &partitionAssignor{runner: r}
	reset := kgo.NewOffset().AtStart()
	if r.cfg.AutoOffsetReset == OffsetLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.ConsumerGroup(r.cfg.ConsumerGroup),
		kgo.ConsumeTopics(inputTopics...),
		kgo.DisableAutoCommit(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumeResetOffset(reset),
		kgo.FetchMaxWait(time.Second),
		kgo.OnPartitionsAssigned(assignor.onAssigned),
		kgo.OnPartitionsRevoked(assignor.onRevoked),
		kgo.OnPartitionsLost(assignor.onLost),
	}
	opts = append(opts, translateConsumerConfig(r.cfg.ConsumerExtraConfig)...)
	r.client, err = NewClient(r.cluster, opts...)
	if err != nil {
		producer.Close()
		return err
	}
	r.committer = NewCommitter(r.producer, r.client, r.cfg, r.latency, r.metrics)
	return r.beginTxnIfNeeded()
}

func (r *Runner) beginTxnIfNeeded() error {
	if !r.producer.Transactional() || r.txnOpen {
		return nil
	}
	if err := r.producer.BeginTransaction(); err != nil {
		return processingError(PhaseCommit, TopicPartition{}, -1, err)
	}
	r.txnOpen = true
	return nil
}

func (r *Runner) loop() error {
	for r.runStatus.Running() {
		r.resumeRecovered()

		// bounded memory beats commit frequency: a full producer queue forces
		// a checkpoint before polling more input
		if r.producer.QueueFull() {
			if err := r.commitCheckpoint(); err != nil {
				return err
			}
		}

		pollCtx, cancel := context.WithTimeout(r.runStatus.Ctx(), r.cfg.PollTimeout)
		fetches := r.client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return nil
		}
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.DeadlineExceeded) || errors.Is(fetchErr.Err, context.Canceled) {
				continue
			}
			return processingError(PhasePoll, ntp(fetchErr.Partition, fetchErr.Topic), -1, fetchErr.Err)
		}

		var loopErr error
		fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
			if loopErr != nil || len(ftp.Records) == 0 {
				return
			}
			loopErr = r.receive(ntp(ftp.Partition, ftp.Topic), ftp.Records)
		})
		if loopErr != nil {
			r.abortCheckpoint()
			return loopErr
		}

		if r.committer.ShouldCommit(r.checkpoint) {
			if err := r.commitCheckpoint(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) receive(tp TopicPartition, records []*kgo.Record) error {
	r.mux.Lock()
	ps, ok := r.states[tp]
	r.mux.Unlock()
	if !ok {
		// records raced a revocation; drop them
		return nil
	}
	if ps.Paused() {
		ps.buffer(records)
		return nil
	}
	return r.processRecords(ps, records)
}

func (r *Runner) processRecords(ps *PartitionState, records []*kgo.Record) error {
	for i, record := range records {
		if r.producer != nil && r.producer.QueueFull() {
			// buffer the remainder and let the loop force a checkpoint
			ps.paused = true
			ps.buffer(records[i:])
			return nil
		}
		if err := r.processRecord(ps, record); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) processRecord(ps *PartitionState, record *kgo.Record) error {
	tp := ntp(record.Partition, record.Topic)
	topic := ps.topic
	sctx := SerdeContext{
		Topic:     record.Topic,
		Partition: record.Partition,
		Headers:   record.Headers,
		RawKey:    record.Key,
	}
	result := topic.ValueDeserializer.Deserialize(record.Value, sctx)
	switch {
	case result.Err != nil:
		if r.deserErrors(tp, record.Offset, result.Err) == FailLoop {
			return processingError(PhaseDeserialize, tp, record.Offset, result.Err)
		}
		fallthrough
	case result.Skip:
		// the offset advances, the pipeline is not invoked
		ps.nextOffset = record.Offset + 1
		r.checkpoint.TrackOffset(tp, ps.nextOffset)
		return nil
	}

	ts := record.Timestamp.UnixMilli()
	for _, value := range result.Values {
		if topic.TimestampExtractor != nil {
			ts = topic.TimestampExtractor(value, record.Headers, ts)
		}
		row := newRow(record, value, ts)
		ps.observeTimestamp(ts)
		pc := &ProcessingContext{runner: r, ps: ps, row: row}
		if err := ps.binding.pipeline(pc, row); err != nil {
			if r.pipelineErrors(row, err) == FailLoop {
				return processingError(PhasePipeline, tp, record.Offset, err)
			}
			log.Debugf("pipeline error skipped for %+v offset %d: %v", tp, record.Offset, err)
		}
	}

	ps.nextOffset = record.Offset + 1
	r.checkpoint.TrackOffset(tp, ps.nextOffset)
	r.checkpoint.RecordProcessed()
	return nil
}

// resumeRecovered flips recovered partitions to active, resumes their fetch
// and drains anything buffered while they were paused.
func (r *Runner) resumeRecovered() {
	for {
		select {
		case tp := <-r.recovered:
			r.mux.Lock()
			ps, ok := r.states[tp]
			r.mux.Unlock()
			if !ok {
				continue
			}
			ps.recovering = false
			r.client.ResumeFetchPartitions(map[string][]int32{tp.Topic: {tp.Partition}})
			log.Infof("partition %+v recovered, resuming", tp)
			if err := r.drainBuffered(ps); err != nil {
				r.fail(err)
				return
			}
		default:
			return
		}
	}
}

func (r *Runner) drainBuffered(ps *PartitionState) error {
	if ps.Paused() {
		return nil
	}
	buffered := ps.takeBuffered()
	if len(buffered) == 0 {
		return nil
	}
	return r.processRecords(ps, buffered)
}

func (r *Runner) commitCheckpoint() error {
	r.mux.Lock()
	cp := r.checkpoint
	r.mux.Unlock()
	if cp.Empty() {
		// no commit call is issued; just restart the interval timer
		r.mux.Lock()
		r.checkpoint = NewCheckpoint()
		r.mux.Unlock()
		return nil
	}
	// commits run on their own bounded context so the final checkpoint still
	// succeeds after the run context is cancelled at shutdown
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	if err := r.committer.Commit(ctx, cp); err != nil {
		r.committer.Abort(context.Background(), cp)
		r.clearPartitionTransactions(true)
		return err
	}
	r.resetAfterCommit()
	return r.beginTxnIfNeeded()
}

func (r *Runner) resetAfterCommit() {
	r.mux.Lock()
	for _, ps := range r.states {
		ps.dropTransactions()
		ps.paused = false
	}
	r.checkpoint = NewCheckpoint()
	r.txnOpen = false
	r.mux.Unlock()
}

func (r *Runner) abortCheckpoint() {
	r.committer.Abort(context.Background(), r.checkpoint)
	r.clearPartitionTransactions(false)
}

func (r *Runner) clearPartitionTransactions(keepCheckpoint bool) {
	r.mux.Lock()
	for _, ps := range r.states {
		ps.discardTransactions()
	}
	if !keepCheckpoint {
		r.checkpoint = NewCheckpoint()
	}
	r.txnOpen = false
	r.mux.Unlock()
}

/*
shutdown drains what can still be drained, takes one final checkpoint (unless
the loop died on a fatal error), then closes producer, consumer (which
triggers on-revoke for all assigned partitions), stores and metrics, in that
order.
*/
func (r *Runner) shutdown(loopErr error) {
	if loopErr == nil && r.fatal() == nil {
		r.mux.Lock()
		active := make([]*PartitionState, 0, len(r.states))
		for _, ps := range r.states {
			if !ps.recovering {
				ps.paused = false
				active = append(active, ps)
			}
		}
		r.mux.Unlock()
		for _, ps := range active {
			if err := r.drainBuffered(ps); err != nil {
				loopErr = err
				break
			}
		}
		if loopErr == nil {
			if err := r.commitCheckpoint(); err != nil {
				r.fail(err)
			}
		} else {
			r.fail(loopErr)
			r.abortCheckpoint()
		}
	} else {
		r.abortCheckpoint()
	}

	if r.producer != nil {
		r.producer.Close()
	}
	if r.client != nil {
		r.client.Close()
	}
	r.stores.Close()
	r.metrics.stop()
	log.Infof("runner %s stopped", r.id)
}

// translateProducerConfig maps the supported raw broker tunables onto kgo
// options; unknown keys are logged and ignored rather than silently breaking
// the client.
func translateProducerConfig(extra map[string]string) []kgo.Opt {
	var opts []kgo.Opt
	for key, value := range extra {
		switch key {
		case "linger.ms":
			if d, err := time.ParseDuration(value + "ms"); err == nil {
				opts = append(opts, kgo.ProducerLinger(d))
			}
		case "transaction.timeout.ms":
			if d, err := time.ParseDuration(value + "ms"); err == nil {
				opts = append(opts, kgo.TransactionTimeout(d))
			}
		default:
			log.Warnf("unsupported producer config %q ignored", key)
		}
	}
	return opts
}

func translateConsumerConfig(extra map[string]string) []kgo.Opt {
	var opts []kgo.Opt
	for key, value := range extra {
		switch key {
		case "session.timeout.ms":
			if d, err := time.ParseDuration(value + "ms"); err == nil {
				opts = append(opts, kgo.SessionTimeout(d))
			}
		case "max.poll.records":
			// kgo polls by bytes, not records; accepted for compatibility
			log.Debugf("consumer config max.poll.records=%s has no kgo equivalent", value)
		default:
			log.Warnf("unsupported consumer config %q ignored", key)
		}
	}
	return opts
}
