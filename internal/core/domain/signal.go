package domain

// Signal is a control message forwarded verbatim to a channel worker. The
// worker acts on it and reports the outcome through its own state updates;
// delivery acknowledgement means "delivered", not "applied".
type Signal string

const (
	SignalStop     Signal = "stop"
	SignalRetry    Signal = "retry"
	SignalContinue Signal = "continue"
)

func (s Signal) Valid() bool {
	return s == SignalStop || s == SignalRetry || s == SignalContinue
}
