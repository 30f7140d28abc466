// Package bandwidth defines the result contract of the external bandwidth
// probe. The probe itself lives outside this module; sessions only consume
// its reports.
package bandwidth

import "fmt"

// State is the probe's verdict.
type State string

const (
	Improving State = "improving"
	Degraded  State = "degraded"
	Stable    State = "stable"
)

// Report is one probe result. An empty ClientID applies to every remote
// stream; otherwise StreamIDs narrows it further, with empty meaning every
// stream of that client.
type Report struct {
	State     State
	ClientID  string
	StreamIDs []string
}

// Validate rejects reports with an unknown State.
func (r Report) Validate() error {
	switch r.State {
	case Improving, Degraded, Stable:
		return nil
	}
	return fmt.Errorf("bandwidth: unknown state %q", r.State)
}

// Degrades reports whether matching streams should be flagged degraded.
// Only Degraded sets the flag; Improving and Stable clear it.
func (r Report) Degrades() bool {
	return r.State == Degraded
}

// Matches reports whether the report applies to the given stream.
func (r Report) Matches(clientID, streamID string) bool {
	if r.ClientID == "" {
		return true
	}
	if r.ClientID != clientID {
		return false
	}
	if len(r.StreamIDs) == 0 {
		return true
	}
	for _, id := range r.StreamIDs {
		if id == streamID {
			return true
		}
	}
	return false
}
