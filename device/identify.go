package device

import (
	"strings"
	"time"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

// IdentifyTimeout is the default deadline for the driver-side
// identification handshake.
const IdentifyTimeout = 5 * time.Second

// Identify performs the driver-side identification handshake: write
// "identify", read lines until the expected token is seen or
// the deadline elapses, then confirm with "identify_complete". Lines
// prefixed "debug:" or "done:" are skipped. A non-noise line that isn't
// the expected token is a protocol error; the caller should detach and
// let discovery re-probe on its next rescan.
//
// lines is the same channel the session's read loop will keep consuming
// after the handshake succeeds, so no firmware output is lost between
// the two phases.
func Identify(lines <-chan string, chain *WriteChain, eol, token string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = IdentifyTimeout
	}
	if err := chain.WriteLine("identify", eol); err != nil {
		return apperr.Wrap(apperr.Recoverable, err, "write identify")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return apperr.Newf(apperr.Protocol, "identify timed out after %s waiting for %q", timeout, token)
		case line, ok := <-lines:
			if !ok {
				return apperr.Newf(apperr.Recoverable, "port closed during identify")
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "debug:") || strings.HasPrefix(trimmed, "done:") {
				continue
			}
			if !strings.EqualFold(trimmed, token) {
				return apperr.Newf(apperr.Protocol, "identify expected %q, device answered %q", token, trimmed)
			}
			if err := chain.WriteLine("identify_complete", eol); err != nil {
				return apperr.Wrap(apperr.Recoverable, err, "write identify_complete")
			}
			return nil
		}
	}
}
