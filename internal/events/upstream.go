package events

import "time"

// UpstreamStart is emitted before a request is forwarded upstream.
type UpstreamStart struct {
	URL string
}

// UpstreamFinish is emitted after the upstream call completes. Status is 0
// when no response was received.
type UpstreamFinish struct {
	URL      string
	Status   int
	Err      error
	Duration time.Duration
}
