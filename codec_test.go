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
	"bytes"
	"testing"
)

func TestLexoIntCodec(t *testing.T) {
	a := bytes.NewBuffer(nil)
	b := bytes.NewBuffer(nil)
	c := bytes.NewBuffer(nil)
	d := bytes.NewBuffer(nil)
	LexoInt64Codec.Encode(a, -2)
	LexoInt64Codec.Encode(b, 1)
	LexoInt64Codec.Encode(c, 10)
	LexoInt64Codec.Encode(d, -4)
	if bytes.Compare(a.Bytes(), b.Bytes()) >= 0 {
		t.Errorf("invalid lexo compare %d, %d", -2, 1)
	}

	if bytes.Compare(b.Bytes(), c.Bytes()) >= 0 {
		t.Errorf("invalid lexo compare %d, %d", 1, 10)
	}

	if bytes.Compare(d.Bytes(), a.Bytes()) >= 0 {
		t.Errorf("invalid lexo compare %d, %d", -4, -2)
	}
}

func TestLexoIntCodecDecode(t *testing.T) {
	for _, expected := range []int64{-4, -2, 0, 1, 10} {
		buf := bytes.NewBuffer(nil)
		LexoInt64Codec.Encode(buf, expected)
		if v, _ := LexoInt64Codec.Decode(buf.Bytes()); v != expected {
			t.Errorf("invalid lexo decode. actual: %d, expected: %d", v, expected)
		}
	}
	if _, err := LexoInt64Codec.Decode([]byte{1, 2}); err == nil {
		t.Error("expected error for short lexo input")
	}
}

func TestInt64Codec(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	Int64Codec.Encode(buf, 42)
	if buf.Len() != 8 {
		t.Errorf("expected 8 bytes, got %d", buf.Len())
	}
	v, err := Int64Codec.Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if _, err := Int64Codec.Decode([]byte{1}); err == nil {
		t.Error("expected error for short int64 input")
	}
}

func TestJsonCodecRoundTrip(t *testing.T) {
	type item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	var codec JsonCodec[item]
	buf := bytes.NewBuffer(nil)
	if err := codec.Encode(buf, item{Name: "a", Count: 4}); err != nil {
		t.Fatal(err)
	}
	decoded, err := codec.Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Name != "a" || decoded.Count != 4 {
		t.Errorf("unexpected decode result: %+v", decoded)
	}
}
