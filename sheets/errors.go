package sheets

import "github.com/MatthiasValvekens/bench-orchestrator/apperr"

var (
	errPendingCapExceeded = apperr.New(apperr.Recoverable, "sheets pool pending cap exceeded")
	errPoolClosed         = apperr.New(apperr.Fatal, "sheets pool closed")
)
