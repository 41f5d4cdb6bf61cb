// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   true,
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding varies: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	encoded, err := Marshal(map[string]any{"outer": map[string]any{"inner": "v"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T", outer["outer"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	encoded, err := Marshal(map[string]any{"known": "v", "future": 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var target struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(encoded, &target); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if target.Known != "v" {
		t.Fatalf("known = %q", target.Known)
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewEncoder(&buf)
	for _, v := range []string{"one", "two"} {
		if err := encoder.Encode(map[string]any{"v": v}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	decoder := NewDecoder(&buf)
	for _, want := range []string{"one", "two"} {
		var got struct {
			V string `cbor:"v"`
		}
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.V != want {
			t.Fatalf("decoded %q, want %q", got.V, want)
		}
	}
}
