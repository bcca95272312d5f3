// Package discovery implements serial-port enumeration, matcher-based
// device classification and FD ownership handoff.
package discovery

import (
	"regexp"
	"strings"

	"github.com/efficientgo/core/errors"
)

// Matcher is a declarative rule describing how to recognize a device
// class.
type Matcher struct {
	Kind                 string `mapstructure:"kind"`
	IdentificationString string `mapstructure:"identificationString"`
	VendorID             string `mapstructure:"vendorId"`
	ProductID            string `mapstructure:"productId"`
	SerialNumber         string `mapstructure:"serialNumber"`
	PathRegex            string `mapstructure:"pathRegex"`
	BaudRate             int    `mapstructure:"baudRate"`

	// IdentifyRequired defaults true; a pointer lets config distinguish
	// "unset" from "explicitly false".
	IdentifyRequired *bool `mapstructure:"identifyRequired"`
	KeepOpenOnStatic bool  `mapstructure:"keepOpenOnStatic"`

	compiledPath *regexp.Regexp
}

// identifyRequired returns the effective (default-true) value.
func (m *Matcher) identifyRequired() bool {
	return m.IdentifyRequired == nil || *m.IdentifyRequired
}

// Compile validates the matcher and precompiles its pathRegex. Malformed
// matchers are rejected at Start.
func (m *Matcher) Compile() error {
	if m.Kind == "" {
		return errors.Newf("matcher missing kind")
	}
	if m.PathRegex != "" {
		re, err := regexp.Compile(m.PathRegex)
		if err != nil {
			return errors.Wrapf(err, "matcher %s: invalid pathRegex %q", m.Kind, m.PathRegex)
		}
		m.compiledPath = re
	}
	if m.identifyRequired() && m.IdentificationString == "" {
		return errors.Newf("matcher %s: identifyRequired but no identificationString set", m.Kind)
	}
	return nil
}

// PortInfo describes one enumerated serial port candidate.
type PortInfo struct {
	Path         string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// eligible reports whether every constraint m declares (vid/pid/serial/
// pathRegex) is satisfied by port. A matcher with no constraints at all
// is eligible for everything (it relies purely on active probing).
func (m *Matcher) eligible(port PortInfo) bool {
	if m.VendorID != "" && !strings.EqualFold(m.VendorID, port.VendorID) {
		return false
	}
	if m.ProductID != "" && !strings.EqualFold(m.ProductID, port.ProductID) {
		return false
	}
	if m.SerialNumber != "" && !strings.EqualFold(m.SerialNumber, port.SerialNumber) {
		return false
	}
	if m.compiledPath != nil && !m.compiledPath.MatchString(port.Path) {
		return false
	}
	return true
}

// isExactStatic reports whether m is a static (identifyRequired=false)
// matcher that exactly pins this port via serial number, or both
// vid+pid — the shortcut that lets discovery skip active probing
// entirely.
func (m *Matcher) isExactStatic(port PortInfo) bool {
	if m.identifyRequired() {
		return false
	}
	if m.SerialNumber != "" && strings.EqualFold(m.SerialNumber, port.SerialNumber) {
		return true
	}
	if m.VendorID != "" && m.ProductID != "" &&
		strings.EqualFold(m.VendorID, port.VendorID) && strings.EqualFold(m.ProductID, port.ProductID) {
		return true
	}
	return false
}

// staticScore ranks static matchers by constraint strength
// (serialNumber=3, vendorId=2, productId=2, pathRegex=1).
func (m *Matcher) staticScore(port PortInfo) int {
	score := 0
	if m.SerialNumber != "" && strings.EqualFold(m.SerialNumber, port.SerialNumber) {
		score += 3
	}
	if m.VendorID != "" && strings.EqualFold(m.VendorID, port.VendorID) {
		score += 2
	}
	if m.ProductID != "" && strings.EqualFold(m.ProductID, port.ProductID) {
		score += 2
	}
	if m.compiledPath != nil && m.compiledPath.MatchString(port.Path) {
		score += 1
	}
	return score
}

// classify runs the full matching algorithm — eligibility filter,
// exact-static shortcut, active probing, static-score fallback — and
// returns the winning matcher, or nil if no matcher claims the port (the
// caller should retry active probing on the next rescan in that case).
func classify(port PortInfo, matchers []*Matcher, probe func(m *Matcher) bool) *Matcher {
	var eligible []*Matcher
	for _, m := range matchers {
		if m.eligible(port) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	for _, m := range eligible {
		if m.isExactStatic(port) {
			return m
		}
	}

	var activeCandidates []*Matcher
	for _, m := range eligible {
		if m.identifyRequired() && m.IdentificationString != "" {
			activeCandidates = append(activeCandidates, m)
		}
	}
	if len(activeCandidates) > 0 && probe != nil {
		for _, m := range activeCandidates {
			if probe(m) {
				return m
			}
		}
	}

	// Static fallback: score remaining static-eligible matchers, highest
	// wins, ties broken by declaration order (stable iteration over
	// `eligible`, which preserves the caller's declared order).
	best := -1
	var winner *Matcher
	for _, m := range eligible {
		score := m.staticScore(port)
		if score > best {
			best = score
			winner = m
		}
	}
	if best <= 0 {
		return nil
	}
	return winner
}
