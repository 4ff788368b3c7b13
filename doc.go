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

/*
Package streams turns a Kafka cluster into a stateful dataflow engine.

An application declares a pipeline of transforms over one or more input topics.
The runtime consumes records, executes the pipeline, maintains keyed state in a
local embedded store, replicates that state to compacted changelog topics, and
commits input offsets together with state and produced output as one unit.

The building blocks:

  - [TopicManager] is the catalog of logical topics and derives the internal
    changelog and repartition topics for an application instance.
  - [RowProducer] wraps a Kafka producer with in-flight tracking, synchronous
    flush and an optional transactional mode.
  - the state package provides per-partition embedded stores with an open
    transaction API, changelog replication and changelog recovery.
  - [Committer] owns the boundary between "processing" and "committed".
  - [Runner] is the single-threaded hot loop tying all of the above together.

A minimal word-count application:

	cfg := streams.DefaultConfig("wordcount")
	runner, _ := streams.NewRunner(cfg, streams.SimpleCluster([]string{"127.0.0.1:9092"}))
	words := runner.Topics().RegisterTopic("words",
		streams.WithValueDeserializer(streams.StringSerde{}))
	runner.AddPipeline(words, []string{"counts"}, countWords)
	runner.Run(context.Background())
*/
package streams
