package apievents

import "time"

// SetKeepaliveInterval shrinks the keepalive ticker so stream tests don't
// have to sit through the production interval.
func SetKeepaliveInterval(d time.Duration) {
	keepaliveInterval = d
}
