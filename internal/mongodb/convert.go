package mongodb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DocumentTimestamp reads the change timestamp of doc. An empty or "_id"
// field uses the ObjectID creation time.
func DocumentTimestamp(doc bson.M, timestampField string) (time.Time, bool) {
	if timestampField == "" || timestampField == "_id" {
		if id, ok := doc["_id"].(primitive.ObjectID); ok {
			return id.Timestamp(), true
		}
		return time.Time{}, false
	}

	v, ok := doc[timestampField]
	if !ok {
		return time.Time{}, false
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ParseTimestamp parses various timestamp formats
func ParseTimestamp(timestamp interface{}) (time.Time, error) {
	switch t := timestamp.(type) {
	case time.Time:
		return t, nil
	case primitive.DateTime:
		return t.Time(), nil
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0), nil
	case int64:
		return time.Unix(t, 0), nil
	case int32:
		return time.Unix(int64(t), 0), nil
	case float64:
		return time.Unix(int64(t), 0), nil
	case string:
		formats := []string{
			time.RFC3339Nano,
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
		}
		for _, format := range formats {
			if parsed, err := time.Parse(format, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp string: %s", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type: %T", t)
	}
}

// IDString renders a document ID value as a string
func IDString(v interface{}) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Fields converts a decoded document into plain Go values ready for
// indexing. "_id" is dropped; callers carry the ID separately.
func Fields(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		out[k] = plain(v)
	}
	return out
}

func plain(v interface{}) interface{} {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC()
	case primitive.Decimal128:
		return val.String()
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = plain(inner)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = plain(inner)
		}
		return out
	default:
		return v
	}
}
