package provider

import "strings"

// Phase is a coarse progress hint derived from provider logs. It is purely
// cosmetic and never drives task state.
type Phase string

const (
	PhaseUnknown    Phase = ""
	PhaseAnalyzing  Phase = "analyzing"
	PhaseInpainting Phase = "inpainting"
	PhaseRendering  Phase = "rendering"
)

// PhaseFromLogs inspects the most recent log output. Later stages win.
func PhaseFromLogs(logs string) Phase {
	switch {
	case logs == "":
		return PhaseUnknown
	case strings.Contains(logs, "Rendering") || strings.Contains(logs, "output"):
		return PhaseRendering
	case strings.Contains(logs, "Removing") || strings.Contains(logs, "inpaint"):
		return PhaseInpainting
	case strings.Contains(logs, "Analyzing") || strings.Contains(logs, "frame"):
		return PhaseAnalyzing
	default:
		return PhaseUnknown
	}
}
