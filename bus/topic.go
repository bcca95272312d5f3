package bus

import (
	"strings"

	"github.com/efficientgo/core/errors"
)

// ValidTopic validates a literal publish topic: lowercase dotted
// segments, each matching [a-z][a-z0-9_-]*, no wildcards.
func ValidTopic(topic string) error {
	if topic == "" {
		return errors.New("topic must not be empty")
	}
	segs := strings.Split(topic, ".")
	for _, seg := range segs {
		if err := validSegment(seg, false); err != nil {
			return errors.Wrapf(err, "topic %q", topic)
		}
	}
	return nil
}

// ValidPattern validates a subscription pattern: like ValidTopic, but
// "*" (single segment) and a trailing "#" (tail) are allowed.
func ValidPattern(pattern string) error {
	if pattern == "" {
		return errors.New("pattern must not be empty")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "#" {
			if i != len(segs)-1 {
				return errors.Newf("pattern %q: '#' only allowed as final segment", pattern)
			}
			continue
		}
		if seg == "*" {
			continue
		}
		if err := validSegment(seg, false); err != nil {
			return errors.Wrapf(err, "pattern %q", pattern)
		}
	}
	return nil
}

func validSegment(seg string, allowWildcard bool) error {
	if seg == "" {
		return errors.New("empty segment")
	}
	if allowWildcard && (seg == "*" || seg == "#") {
		return nil
	}
	c0 := seg[0]
	if !(c0 >= 'a' && c0 <= 'z') {
		return errors.Newf("segment %q must start with [a-z]", seg)
	}
	for i := 1; i < len(seg); i++ {
		c := seg[i]
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			return errors.Newf("segment %q contains invalid character %q", seg, string(c))
		}
	}
	return nil
}

// MatchTopic reports whether topic matches pattern: "*" matches exactly
// one segment, a trailing "#" matches the remaining tail (one or more
// segments).
func MatchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")

	for i, p := range pSegs {
		if p == "#" {
			return i < len(tSegs)
		}
		if i >= len(tSegs) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

// reservedPrefix is the publish-protected internal namespace.
const reservedPrefix = "bus."

// IsReserved reports whether topic lives in the bus's own internal
// namespace (meta-events like bus.subscriber.disabled).
func IsReserved(topic string) bool {
	return strings.HasPrefix(topic, reservedPrefix)
}
