package ws

import (
	"regexp"
	"strings"
)

var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
	"fatal": 4,
}

// LogFilter gates what reaches browser dashboards: a per-channel
// allowlist, a per-level floor, and an optional redactor regex applied
// to messages before emission.
type LogFilter struct {
	allowlist map[string]bool // nil/empty means allow every channel
	minLevel  int
	redactor  *regexp.Regexp
}

// NewLogFilter builds a LogFilter. channelsCSV is a comma-separated
// allowlist ("" allows every channel); minLevel is one of
// debug/info/warn/error/fatal (invalid values fall back to "debug" per
// the same fall-back-to-default discipline the numeric envs get);
// redactPattern is an optional regex, applied via ReplaceAllString with
// "[redacted]" whenever it matches.
func NewLogFilter(channelsCSV, minLevel, redactPattern string) LogFilter {
	f := LogFilter{minLevel: levelRank["debug"]}
	if channelsCSV != "" {
		f.allowlist = make(map[string]bool)
		for _, c := range strings.Split(channelsCSV, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				f.allowlist[c] = true
			}
		}
	}
	if rank, ok := levelRank[strings.ToLower(minLevel)]; ok {
		f.minLevel = rank
	}
	if redactPattern != "" {
		if re, err := regexp.Compile(redactPattern); err == nil {
			f.redactor = re
		}
	}
	return f
}

// Allows reports whether entry passes the channel allowlist and level
// floor.
func (f LogFilter) Allows(channel, level string) bool {
	if f.allowlist != nil && !f.allowlist[channel] {
		return false
	}
	rank, ok := levelRank[strings.ToLower(level)]
	if !ok {
		rank = levelRank["info"]
	}
	return rank >= f.minLevel
}

// Redact applies the configured redactor to message, if any.
func (f LogFilter) Redact(message string) string {
	if f.redactor == nil {
		return message
	}
	return f.redactor.ReplaceAllString(message, "[redacted]")
}
