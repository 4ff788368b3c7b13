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
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"
)

var defaultJson = jsoniter.ConfigCompatibleWithStandardLibrary

// SerdeContext carries the routing metadata available to a serializer or
// deserializer at the time it runs. For deserialization, RawKey is the
// unmodified record key.
type SerdeContext struct {
	Topic     string
	Partition int32
	Headers   []kgo.RecordHeader
	RawKey    []byte
}

type Serializer interface {
	Serialize(value any, ctx SerdeContext) ([]byte, error)
}

type Deserializer interface {
	Deserialize(data []byte, ctx SerdeContext) DeserializeResult
}

// DeserializeResult is the explicit outcome of a Deserialize call. Exactly one
// of the three shapes holds: one or more values, a skip signal, or an error.
// Skip advances the input offset without invoking the pipeline; an error halts
// the loop unless a skip-and-count policy is installed.
type DeserializeResult struct {
	Values []any
	Skip   bool
	Err    error
}

// DeserializedValue wraps a single decoded value.
func DeserializedValue(v any) DeserializeResult {
	return DeserializeResult{Values: []any{v}}
}

// DeserializedValues wraps a fan-out: one message expands into several rows.
func DeserializedValues(vs ...any) DeserializeResult {
	return DeserializeResult{Values: vs}
}

// SkipMessage signals "ignore this message": the offset advances, no row is produced.
func SkipMessage() DeserializeResult {
	return DeserializeResult{Skip: true}
}

// DeserializeFailed signals a per-record failure, distinct from skip.
func DeserializeFailed(err error) DeserializeResult {
	return DeserializeResult{Err: err}
}

// A TimestampExtractor overrides the broker-assigned record timestamp.
// `ts` is the record timestamp in epoch milliseconds; the returned value
// becomes the Row timestamp.
type TimestampExtractor func(value any, headers []kgo.RecordHeader, ts int64) int64

// BytesSerde passes values through untouched. Values must be []byte (nil allowed).
type BytesSerde struct{}

func (BytesSerde) Serialize(value any, _ SerdeContext) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes serializer: expected []byte, got %T", value)
	}
	return b, nil
}

func (BytesSerde) Deserialize(data []byte, _ SerdeContext) DeserializeResult {
	return DeserializedValue(data)
}

// StringSerde treats values as UTF-8 strings.
type StringSerde struct{}

func (StringSerde) Serialize(value any, _ SerdeContext) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("string serializer: expected string, got %T", value)
}

func (StringSerde) Deserialize(data []byte, _ SerdeContext) DeserializeResult {
	return DeserializedValue(string(data))
}

// Int64Serde encodes int64 values big-endian, matching the changelog header layout.
type Int64Serde struct{}

func (Int64Serde) Serialize(value any, _ SerdeContext) ([]byte, error) {
	v, ok := value.(int64)
	if !ok {
		return nil, fmt.Errorf("int64 serializer: expected int64, got %T", value)
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:], nil
}

func (Int64Serde) Deserialize(data []byte, _ SerdeContext) DeserializeResult {
	if len(data) != 8 {
		return DeserializeFailed(fmt.Errorf("int64 deserializer: expected 8 bytes, got %d", len(data)))
	}
	return DeserializedValue(int64(binary.BigEndian.Uint64(data)))
}

// JSONSerde encodes and decodes arbitrary JSON values using
// "github.com/json-iterator/go".ConfigCompatibleWithStandardLibrary.
type JSONSerde struct{}

func (JSONSerde) Serialize(value any, _ SerdeContext) ([]byte, error) {
	return defaultJson.Marshal(value)
}

func (JSONSerde) Deserialize(data []byte, _ SerdeContext) DeserializeResult {
	var v any
	if err := defaultJson.Unmarshal(data, &v); err != nil {
		return DeserializeFailed(err)
	}
	return DeserializedValue(v)
}

// JSONListDeserializer decodes a JSON value and, when the payload is a JSON
// array, expands each element into its own Row. Non-array payloads behave like
// [JSONSerde]. An empty array is a skip.
type JSONListDeserializer struct{}

func (JSONListDeserializer) Deserialize(data []byte, _ SerdeContext) DeserializeResult {
	var v any
	if err := defaultJson.Unmarshal(data, &v); err != nil {
		return DeserializeFailed(err)
	}
	list, ok := v.([]any)
	if !ok {
		return DeserializedValue(v)
	}
	if len(list) == 0 {
		return SkipMessage()
	}
	return DeserializedValues(list...)
}
