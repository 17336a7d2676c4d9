package otc

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

// respDoc marshals a response envelope the way the server would.
func respDoc(t *testing.T, ticket int64, payload interface{}) []byte {
	t.Helper()
	body, err := bson.Marshal(bson.D{
		{Key: "0", Value: ticket},
		{Key: "1", Value: payload},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return body
}

func TestRowRoundTrip(t *testing.T) {
	t.Parallel()

	tm := time.Unix(1136239445, 123456789).UTC()
	args := []interface{}{
		int64(5),
		uint64(9),
		int32(-3),
		uint32(7),
		true,
		float32(1.5),
		2.25,
		nil,
		"tick",
		tm,
	}
	jargs, err := encodeArgs(args)
	if err != nil {
		t.Fatalf("encodeArgs: %v", err)
	}

	ticket, val, err := decodeResponse(respDoc(t, 42, bson.A{jargs}))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if ticket != 42 {
		t.Errorf("ticket = %d, want 42", ticket)
	}
	want := ResultSet{{
		int64(5), int64(9), int64(-3), int64(7),
		true, float64(1.5), 2.25, nil, "tick", tm,
	}}
	if diff := cmp.Diff(want, val.(ResultSet)); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestTimestampKeepsNanoseconds(t *testing.T) {
	t.Parallel()

	tm := time.Unix(1700000000, 999999999).UTC()
	enc, err := encodeScalar(tm)
	if err != nil {
		t.Fatalf("encodeScalar: %v", err)
	}
	arr, ok := enc.(bson.A)
	if !ok || len(arr) != 2 {
		t.Fatalf("timestamp encoded as %#v, want two element array", enc)
	}
	if arr[0] != int64(1700000000) || arr[1] != int64(999999999) {
		t.Fatalf("timestamp encoded as %v", arr)
	}

	_, val, err := decodeResponse(respDoc(t, 1, bson.A{bson.A{enc}}))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	got := val.(ResultSet)[0][0].(time.Time)
	if !got.Equal(tm) || got.Nanosecond() != tm.Nanosecond() {
		t.Errorf("timestamp = %v, want %v", got, tm)
	}
}

func TestDecodeScalarPayloads(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		payload interface{}
		want    interface{}
	}{
		{"string", "syntax error", "syntax error"},
		{"int32", int32(17), int64(17)},
		{"int64", int64(1 << 40), int64(1 << 40)},
		{"double", 3.5, 3.5},
		{"bool", true, true},
		{"null", nil, nil},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			ticket, val, err := decodeResponse(respDoc(t, 7, test.payload))
			if err != nil {
				t.Fatalf("decodeResponse: %v", err)
			}
			if ticket != 7 {
				t.Errorf("ticket = %d, want 7", ticket)
			}
			if diff := cmp.Diff(test.want, val); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeUnknownFieldsAreNull(t *testing.T) {
	t.Parallel()

	rows := bson.A{bson.A{
		bson.D{{Key: "x", Value: 1}},  // embedded document
		bson.A{int64(1)},              // one element array
		bson.A{int64(1), "2"},         // mixed array
		bson.A{int64(1), int64(2), 3}, // three elements
	}}
	_, val, err := decodeResponse(respDoc(t, 1, rows))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	for i, f := range val.(ResultSet)[0] {
		if f != nil {
			t.Errorf("field %d = %#v, want nil", i, f)
		}
	}
}

func TestEncodeRejectsUnknownTypes(t *testing.T) {
	t.Parallel()

	if _, err := encodeScalar(struct{}{}); err == nil {
		t.Error("encodeScalar(struct{}{}) succeeded, want error")
	}
	if _, err := encodeArgs([]interface{}{1, []string{"x"}}); err == nil {
		t.Error("encodeArgs with a slice succeeded, want error")
	}
}

func TestDecodeInvalidBSON(t *testing.T) {
	t.Parallel()

	if _, _, err := decodeResponse([]byte{1, 2, 3}); err == nil {
		t.Error("decodeResponse of garbage succeeded, want error")
	}
}
