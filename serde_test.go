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
	"testing"
)

func TestStringSerde(t *testing.T) {
	var serde StringSerde
	b, err := serde.Serialize("hello", SerdeContext{})
	if err != nil {
		t.Fatal(err)
	}
	result := serde.Deserialize(b, SerdeContext{})
	if result.Err != nil || result.Skip {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Values) != 1 || result.Values[0].(string) != "hello" {
		t.Errorf("round trip failed: %+v", result.Values)
	}

	if _, err := serde.Serialize(42, SerdeContext{}); err == nil {
		t.Error("expected error serializing non-string")
	}
}

func TestInt64Serde(t *testing.T) {
	var serde Int64Serde
	b, err := serde.Serialize(int64(-7), SerdeContext{})
	if err != nil {
		t.Fatal(err)
	}
	result := serde.Deserialize(b, SerdeContext{})
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if result.Values[0].(int64) != -7 {
		t.Errorf("expected -7, got %v", result.Values[0])
	}

	if result := serde.Deserialize([]byte{1, 2, 3}, SerdeContext{}); result.Err == nil {
		t.Error("expected error for malformed int64 payload")
	}
}

func TestJSONSerdeMalformed(t *testing.T) {
	var serde JSONSerde
	result := serde.Deserialize([]byte(`{"unterminated`), SerdeContext{})
	if result.Err == nil {
		t.Error("expected deserialization failure, got none")
	}
	if result.Skip {
		t.Error("failure must be distinct from skip")
	}
}

func TestJSONListDeserializerFanOut(t *testing.T) {
	var serde JSONListDeserializer
	result := serde.Deserialize([]byte(`[1, 2, 3]`), SerdeContext{})
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if len(result.Values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(result.Values))
	}
}

func TestJSONListDeserializerEmptyArrayIsSkip(t *testing.T) {
	var serde JSONListDeserializer
	result := serde.Deserialize([]byte(`[]`), SerdeContext{})
	if !result.Skip {
		t.Error("empty array should be a skip")
	}
	if result.Err != nil {
		t.Error("skip must not carry an error")
	}
}

func TestJSONListDeserializerScalarPassThrough(t *testing.T) {
	var serde JSONListDeserializer
	result := serde.Deserialize([]byte(`{"a": 1}`), SerdeContext{})
	if result.Err != nil || result.Skip {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Values) != 1 {
		t.Errorf("expected 1 value, got %d", len(result.Values))
	}
}
