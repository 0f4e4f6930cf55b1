package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/echs-verifier/internal/domain/normalize"
)

// Value is a single extracted field value: empty, a string, a flag, or a list.
type Value struct {
	str  string
	flag *bool
	list []string
}

// Empty is the zero Value.
var Empty = Value{}

// String wraps a text value.
func String(s string) Value { return Value{str: s} }

// Flag wraps a boolean value.
func Flag(b bool) Value { return Value{flag: &b} }

// List wraps a list value. A nil or zero-length list is empty.
func List(items ...string) Value {
	if len(items) == 0 {
		return Value{}
	}
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{list: cp}
}

// IsEmpty reports whether v carries no information: absent, blank text,
// false, or a zero-length list.
func (v Value) IsEmpty() bool {
	switch {
	case v.flag != nil:
		return !*v.flag
	case v.list != nil:
		return len(v.list) == 0
	default:
		return normalize.IsBlank(v.str)
	}
}

// Text renders v for display and for string-typed wire formats.
func (v Value) Text() string {
	switch {
	case v.flag != nil:
		if *v.flag {
			return "Yes"
		}
		return "No"
	case v.list != nil:
		return strings.Join(v.list, ", ")
	default:
		return v.str
	}
}

// Bool returns the flag value; non-flag values are true when non-empty.
func (v Value) Bool() bool {
	if v.flag != nil {
		return *v.flag
	}
	return !v.IsEmpty()
}

// Items returns a copy of the list value, or the text as a single item.
func (v Value) Items() []string {
	if v.list != nil {
		cp := make([]string, len(v.list))
		copy(cp, v.list)
		return cp
	}
	if v.IsEmpty() {
		return nil
	}
	return []string{v.str}
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if (v.flag == nil) != (o.flag == nil) {
		return false
	}
	if v.flag != nil {
		return *v.flag == *o.flag
	}
	if (v.list == nil) != (o.list == nil) {
		return false
	}
	if v.list != nil {
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	}
	return v.str == o.str
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.flag != nil:
		return json.Marshal(*v.flag)
	case v.list != nil:
		return json.Marshal(v.list)
	default:
		return json.Marshal(v.str)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a loosely typed decoded JSON value. Numbers are rendered
// without exponent, nested objects are dropped.
func FromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Value{}
	case string:
		return String(t)
	case bool:
		return Flag(t)
	case float64:
		return String(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		return String(t.String())
	case int:
		return String(strconv.Itoa(t))
	case int64:
		return String(strconv.FormatInt(t, 10))
	case []string:
		return List(t...)
	case []interface{}:
		items := make([]string, 0, len(t))
		for _, it := range t {
			s := FromAny(it)
			if !s.IsEmpty() {
				items = append(items, s.Text())
			}
		}
		return List(items...)
	}
	return Value{}
}
