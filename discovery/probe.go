package discovery

import (
	"bufio"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"go.bug.st/serial"
)

// IdentifyConfig tunes the active probe handshake.
type IdentifyConfig struct {
	DefaultBaudRate int
	LineEnding      string // e.g. "\n" or "\r\n"
	TimeoutMs       int
	Retries         int
}

func (c IdentifyConfig) eol() string {
	if c.LineEnding == "" {
		return "\n"
	}
	return c.LineEnding
}

func (c IdentifyConfig) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 5000 * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c IdentifyConfig) retries() int {
	if c.Retries <= 0 {
		return 1
	}
	return c.Retries
}

// portOpener is satisfied by go.bug.st/serial.Open; extracted as an
// interface so probing is testable without real hardware.
type portOpener func(name string, mode *serial.Mode) (serial.Port, error)

// probeOnce opens port.Path, writes "identify", reads lines until the
// deadline looking for a non-noise token, and reports whether it matches
// m.IdentificationString (case-insensitive, trimmed). The FD is always
// closed before returning, so the identification event never surfaces
// while discovery still holds the port.
func probeOnce(open portOpener, port PortInfo, m *Matcher, cfg IdentifyConfig) (bool, error) {
	baud := cfg.DefaultBaudRate
	if baud == 0 {
		baud = 9600
	}
	p, err := open(port.Path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return false, errors.Wrapf(err, "open %s for probing", port.Path)
	}
	defer p.Close()

	if err := p.SetReadTimeout(cfg.timeout()); err != nil {
		return false, errors.Wrap(err, "set read timeout")
	}

	if _, err := p.Write([]byte("identify" + cfg.eol())); err != nil {
		return false, errors.Wrapf(err, "write identify to %s", port.Path)
	}

	deadline := time.Now().Add(cfg.timeout())
	reader := bufio.NewReader(p)
	for attempt := 0; attempt < cfg.retries(); attempt++ {
		for time.Now().Before(deadline) {
			line, err := reader.ReadString('\n')
			if line == "" && err != nil {
				break
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "debug:") {
				continue
			}
			if strings.EqualFold(trimmed, m.IdentificationString) {
				return true, nil
			}
			// a non-matching, non-noise token means this candidate lost;
			// stop reading for it.
			return false, nil
		}
	}
	return false, nil
}
