package ndjson

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	in := []record{{"a", 1}, {"b", 2}, {"c", 3}}
	for _, r := range in {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf, testLogger())
	var out []record
	for {
		var r record
		err := dec.Decode(&r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		out = append(out, r)
	}

	if len(out) != len(in) {
		t.Fatalf("expected %d records, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("record %d mismatch: %+v != %+v", i, out[i], in[i])
		}
	}
}

func TestDecodeSkipsEmptyLines(t *testing.T) {
	input := "{\"name\":\"a\",\"count\":1}\n\n\n{\"name\":\"b\",\"count\":2}\n"
	dec := NewDecoder(strings.NewReader(input), testLogger())

	var r record
	if err := dec.Decode(&r); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if err := dec.Decode(&r); err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if r.Name != "b" {
		t.Errorf("expected b, got %s", r.Name)
	}
	if err := dec.Decode(&r); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestEncodeSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	big := record{Name: strings.Repeat("x", MaxLineSize), Count: 1}
	if err := enc.Encode(big); err == nil {
		t.Error("expected size-limit error")
	}
}
