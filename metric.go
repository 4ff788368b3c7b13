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
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	CheckpointOperation = "checkpoint"
	FlushOperation      = "flush"
	RecoveryOperation   = "recovery"
)

// Metric is an observation of a single runtime operation.
type Metric struct {
	Operation string
	Topic     string
	GroupId   string
	Partition int32
	StartTime time.Time
	EndTime   time.Time
	Count     int
	Bytes     int
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

// MetricsHandler receives Metric events. Handlers run on a dedicated
// goroutine; if they fall behind, metrics are dropped with a warning rather
// than slowing down processing.
type MetricsHandler func(Metric)

type metricEmitter struct {
	handler MetricsHandler
	c       chan Metric
	done    chan struct{}
}

func newMetricEmitter(handler MetricsHandler) *metricEmitter {
	me := &metricEmitter{
		handler: handler,
		c:       make(chan Metric, 2048),
		done:    make(chan struct{}),
	}
	if handler != nil {
		go me.run()
	}
	return me
}

func (me *metricEmitter) run() {
	for m := range me.c {
		me.handler(m)
	}
	close(me.done)
}

func (me *metricEmitter) emit(m Metric) {
	if me.handler == nil {
		return
	}
	select {
	case me.c <- m:
	default:
		log.Warnf("metrics channel full, unable to emit metric: %+v", m)
	}
}

func (me *metricEmitter) stop() {
	if me.handler == nil {
		return
	}
	close(me.c)
	<-me.done
}

// LatencySummary aggregates checkpoint and flush latencies into HDR
// histograms. Values are recorded in microseconds and clamped to a one
// minute ceiling.
type LatencySummary struct {
	flush  *hdrhistogram.Histogram
	commit *hdrhistogram.Histogram
	mux    sync.Mutex
}

const maxRecordableMicros = int64(time.Minute / time.Microsecond)

func NewLatencySummary() *LatencySummary {
	return &LatencySummary{
		flush:  hdrhistogram.New(1, maxRecordableMicros, 3),
		commit: hdrhistogram.New(1, maxRecordableMicros, 3),
	}
}

func clampMicros(d time.Duration) int64 {
	v := int64(d / time.Microsecond)
	if v < 1 {
		return 1
	}
	if v > maxRecordableMicros {
		return maxRecordableMicros
	}
	return v
}

func (ls *LatencySummary) RecordFlush(d time.Duration) {
	ls.mux.Lock()
	ls.flush.RecordValue(clampMicros(d))
	ls.mux.Unlock()
}

func (ls *LatencySummary) RecordCommit(d time.Duration) {
	ls.mux.Lock()
	ls.commit.RecordValue(clampMicros(d))
	ls.mux.Unlock()
}

// LatencySnapshot is a point-in-time view of one operation's latency
// distribution, in microseconds.
type LatencySnapshot struct {
	Count int64
	Mean  float64
	P50   int64
	P99   int64
	Max   int64
}

func snapshot(h *hdrhistogram.Histogram) LatencySnapshot {
	return LatencySnapshot{
		Count: h.TotalCount(),
		Mean:  h.Mean(),
		P50:   h.ValueAtQuantile(50),
		P99:   h.ValueAtQuantile(99),
		Max:   h.Max(),
	}
}

func (ls *LatencySummary) Flush() LatencySnapshot {
	ls.mux.Lock()
	defer ls.mux.Unlock()
	return snapshot(ls.flush)
}

func (ls *LatencySummary) Commit() LatencySnapshot {
	ls.mux.Lock()
	defer ls.mux.Unlock()
	return snapshot(ls.commit)
}
