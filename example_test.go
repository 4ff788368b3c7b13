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

package streams_test

import (
	"context"
	"strconv"
	"strings"

	"github.com/streamweave/streams"
	"github.com/streamweave/streams/state"
)

// Counts words across an input topic with exactly-once semantics. State lives
// in a local store per partition, replicated to a compacted changelog topic
// for recovery after reassignment.
func Example() {
	cfg := streams.DefaultConfig("wordcount")
	cfg.Guarantee = streams.ExactlyOnce

	runner, err := streams.NewRunner(cfg, streams.SimpleCluster([]string{"127.0.0.1:9092"}))
	if err != nil {
		panic(err)
	}

	words := runner.Topics().RegisterTopic("words",
		streams.WithValueDeserializer(streams.StringSerde{}))

	countWords := func(pc *streams.ProcessingContext, row streams.Row) error {
		txn, err := pc.State()
		if err != nil {
			return err
		}
		for _, word := range strings.Fields(row.Value().(string)) {
			current, _, err := txn.Get([]byte(word))
			if err != nil {
				return err
			}
			count := int64(0)
			if current != nil {
				count, _ = strconv.ParseInt(string(current), 10, 64)
			}
			if err = txn.Set([]byte(word), []byte(strconv.FormatInt(count+1, 10))); err != nil {
				return err
			}
		}
		return nil
	}

	if err := runner.AddPipeline(words, []string{state.DefaultStoreName}, countWords); err != nil {
		panic(err)
	}
	if err := runner.Run(context.Background()); err != nil {
		panic(err)
	}
}
