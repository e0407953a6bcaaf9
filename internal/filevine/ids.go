package filevine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID is a remote identifier. The API sends ids either bare (123 or "123")
// or wrapped as {"native": 123}; both decode to the same value. Zero means
// absent.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if data[0] == '{' {
		var wrapped struct {
			Native json.RawMessage `json:"native"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		if len(wrapped.Native) == 0 || wrapped.Native[0] == '{' {
			*id = 0
			return nil
		}
		return id.UnmarshalJSON(wrapped.Native)
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*id = ID(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("invalid id %s: %w", n, err)
		}
		v = int64(f)
	}
	*id = ID(v)
	return nil
}

// MarshalJSON emits the bare form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(id), 10)), nil
}

// ParseID decodes a raw JSON value in any accepted id shape. It never
// fails: unusable input yields 0.
func ParseID(raw json.RawMessage) int64 {
	var id ID
	if err := id.UnmarshalJSON(raw); err != nil {
		return 0
	}
	return int64(id)
}
