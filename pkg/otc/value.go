package otc

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Row is one result row. Fields are int64, float64, bool, string, time.Time
// or nil; the server reports all integer widths as int64.
type Row []interface{}

// ResultSet is an ordered set of rows. It is shared by reference between the
// client internals and the caller and must not be mutated after delivery.
type ResultSet []Row

// Callback receives the outcome of an asynchronous execute. Exactly one of
// rs and err is meaningful; err is *ServerError for a server reply and
// ErrTimeout if the client's default timeout elapsed first.
type Callback func(rs ResultSet, err error)

// encodeScalar converts one caller-supplied argument to its wire form.
// Timestamps become a two element array of [seconds, nanoseconds] so that
// nanosecond precision survives BSON, which only carries milliseconds in its
// native datetime.
func encodeScalar(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int32, int64, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return int64(v), nil
	case int8:
		return int32(v), nil
	case int16:
		return int32(v), nil
	case uint8:
		return int32(v), nil
	case uint16:
		return int32(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case time.Time:
		return bson.A{v.Unix(), int64(v.Nanosecond())}, nil
	}
	return nil, fmt.Errorf("opentick: cannot encode argument of type %T", v)
}

func encodeArgs(args []interface{}) (bson.A, error) {
	out := make(bson.A, 0, len(args))
	for _, a := range args {
		v, err := encodeScalar(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeResponse parses one response envelope into its ticket and value. The
// value is a ResultSet for tabular replies and a plain scalar otherwise
// (error string, prepared id, ack).
func decodeResponse(body []byte) (int64, interface{}, error) {
	raw := bson.Raw(body)
	if err := raw.Validate(); err != nil {
		return 0, nil, err
	}
	tv, err := raw.LookupErr("0")
	if err != nil {
		return 0, nil, err
	}
	ticket, ok := tv.AsInt64OK()
	if !ok {
		return 0, nil, fmt.Errorf("opentick: non-integer ticket of type %s", tv.Type)
	}
	pv, err := raw.LookupErr("1")
	if err != nil {
		return 0, nil, err
	}
	if pv.Type == bsontype.Array {
		rows, err := decodeRows(pv.Array())
		if err != nil {
			return 0, nil, err
		}
		return ticket, rows, nil
	}
	return ticket, decodeScalar(pv), nil
}

func decodeRows(arr bson.Raw) (ResultSet, error) {
	vals, err := arr.Values()
	if err != nil {
		return nil, err
	}
	rows := make(ResultSet, 0, len(vals))
	for _, rv := range vals {
		if rv.Type != bsontype.Array {
			return nil, fmt.Errorf("opentick: row is %s, not array", rv.Type)
		}
		fields, err := rv.Array().Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, 0, len(fields))
		for _, fv := range fields {
			row = append(row, decodeScalar(fv))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeScalar maps one BSON field to the value model. All integer widths
// unify on int64; a two element integer array is a timestamp; anything
// unrecognized decodes to nil.
func decodeScalar(rv bson.RawValue) interface{} {
	switch rv.Type {
	case bsontype.String:
		return rv.StringValue()
	case bsontype.Int32:
		return int64(rv.Int32())
	case bsontype.Int64:
		return rv.Int64()
	case bsontype.Double:
		return rv.Double()
	case bsontype.Boolean:
		return rv.Boolean()
	case bsontype.Array:
		vals, err := rv.Array().Values()
		if err != nil || len(vals) != 2 {
			return nil
		}
		sec, ok1 := vals[0].AsInt64OK()
		nsec, ok2 := vals[1].AsInt64OK()
		if !ok1 || !ok2 {
			return nil
		}
		return time.Unix(sec, nsec).UTC()
	}
	return nil
}
