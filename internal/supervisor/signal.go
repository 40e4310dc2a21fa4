package supervisor

import "strings"

// ParseSignal maps a wire signal name (spec §4.5 Kill command's optional
// "signal" field) to this platform's Signal value. An empty name is the
// documented default, SIGKILL.
func ParseSignal(name string) Signal {
	switch strings.ToUpper(name) {
	case "", "KILL":
		return SigKill
	case "TERM":
		return SigTerm
	case "STOP":
		return SigStop
	case "CONT":
		return SigCont
	default:
		return SigKill
	}
}
