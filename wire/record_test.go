package wire

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []Value{
		Null,
		NewBool(true),
		NewBool(false),
		NewInt64(-42),
		NewUInt64(42),
		NewFloat64(3.5),
		NewString("hello"),
		NewBytes([]byte{1, 2, 3}),
		NewDate(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)),
	}

	for _, v := range cases {
		buf := encodeValue(nil, v)
		got, rest, err := decodeValue(buf)
		if err != nil {
			t.Fatalf("decodeValue(%v): %v", v, err)
		}
		if len(rest) != 0 {
			t.Fatalf("decodeValue(%v): %d trailing bytes", v, len(rest))
		}
		if !got.Equal(v) {
			t.Errorf("round trip changed value: got %+v, want %+v", got, v)
		}
	}
}

func TestValueInt64NarrowedOnEncode(t *testing.T) {
	// Spec §4.1: longer-than-32-bit integers are narrowed to 32 bits on
	// encode, clipping overflow silently.
	big := NewInt64(1<<40 + 7)
	buf := encodeValue(nil, big)
	got, _, err := decodeValue(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := int64(7) // low 32 bits of 1<<40 + 7
	if got.Int64 != want {
		t.Errorf("got %d, want %d (narrowed)", got.Int64, want)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		ClientID: 4242,
		Kind:     WriteRow,
		ItemKey:  NewString("row-1"),
		Payload:  "INSERT INTO t (k, n) VALUES ('row-1', 7)",
	}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("request round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseRoundTripConfirmation(t *testing.T) {
	resp := Response{Kind: Confirmation}
	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != Confirmation || got.Status != NoError || len(got.Body) != 0 {
		t.Errorf("got %+v, want bare confirmation", got)
	}
}

func TestResponseRoundTripNotify(t *testing.T) {
	resp := Response{Kind: UpdateNotify, Body: []Value{NewString("row-1")}}
	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, got); diff != "" {
		t.Errorf("notify round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseRoundTripItemData(t *testing.T) {
	resp := Response{
		Kind:   ItemData,
		Status: NoError,
		Body:   []Value{NewString("row-1"), NewInt64(7)},
	}
	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, got); diff != "" {
		t.Errorf("item data round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequestTruncated(t *testing.T) {
	if _, err := DecodeRequest([]byte{1, 2}); err == nil {
		t.Error("expected error decoding truncated request")
	}
}
