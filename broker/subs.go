package broker

import (
	"fmt"

	"github.com/tinysqlapi/broker/wire"
)

// SubscriptionRegistry tracks the set of primary-key Values one client has
// subscribed to (spec §4.6). Equality is type-sensitive (wire.Value.Equal):
// a numeric key and a string of the same digits are never the same
// subscription.
type SubscriptionRegistry struct {
	keys map[string]wire.Value
}

func newSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{keys: make(map[string]wire.Value)}
}

// Subscribe adds key, first removing any equal key so a repeated subscribe
// collapses rather than accumulating duplicates (spec §4.6, testable
// property #4).
func (s *SubscriptionRegistry) Subscribe(key wire.Value) {
	s.keys[canonicalKey(key)] = key
}

// Unsubscribe removes key and reports whether it was present.
func (s *SubscriptionRegistry) Unsubscribe(key wire.Value) bool {
	k := canonicalKey(key)
	if _, ok := s.keys[k]; !ok {
		return false
	}
	delete(s.keys, k)
	return true
}

// Contains reports whether key is currently subscribed.
func (s *SubscriptionRegistry) Contains(key wire.Value) bool {
	_, ok := s.keys[canonicalKey(key)]
	return ok
}

// canonicalKey renders a Value into a string that preserves type-sensitive
// equality: the Kind is folded into the string so "42" (String) and 42
// (Int64) never collide.
func canonicalKey(v wire.Value) string {
	switch v.Kind {
	case wire.KindNull:
		return "null:"
	case wire.KindBool:
		return fmt.Sprintf("bool:%v", v.Bool)
	case wire.KindInt64:
		return fmt.Sprintf("int64:%d", v.Int64)
	case wire.KindUInt64:
		return fmt.Sprintf("uint64:%d", v.UInt64)
	case wire.KindFloat64:
		return fmt.Sprintf("float64:%v", v.Float64)
	case wire.KindString:
		return "string:" + v.String
	case wire.KindBytes:
		return fmt.Sprintf("bytes:%x", v.Bytes)
	case wire.KindDate:
		return "date:" + v.Date.UTC().Format("2006-01-02T15:04:05Z")
	default:
		return fmt.Sprintf("unknown:%d", v.Kind)
	}
}
