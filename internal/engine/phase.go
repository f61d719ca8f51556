package engine

import "fmt"

// Phase identifies the stage of a run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePing
	PhaseDownload
	PhaseUpload
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePing:
		return "ping"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Active reports whether a measurement phase is in progress.
func (p Phase) Active() bool {
	return p == PhasePing || p == PhaseDownload || p == PhaseUpload
}

// Unit returns the unit of CurrentValue while this phase is active.
func (p Phase) Unit() string {
	switch p {
	case PhasePing:
		return "ms"
	case PhaseDownload, PhaseUpload:
		return "Mbps"
	default:
		return ""
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
