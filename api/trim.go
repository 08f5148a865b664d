package api

import "strings"

// TrimStrToRect keeps at most maxHeight lines of at most maxWidth bytes,
// marking every cut with "[...]".
func TrimStrToRect(s string, maxHeight int, maxWidth int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	cut := len(lines) > maxHeight
	if cut {
		lines = lines[:maxHeight]
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if len(line) > maxWidth {
			b.WriteString(line[:maxWidth])
			b.WriteString("[...]")
		} else {
			b.WriteString(line)
		}
	}
	if cut {
		b.WriteString("\n[...]")
	}
	return b.String()
}

// Trimmed returns msg with its error text fitted to MaxTextHeight x MaxTextWidth.
func (msg FinishElement) Trimmed() FinishElement {
	if msg.Error != nil {
		t := TrimStrToRect(*msg.Error, MaxTextHeight, MaxTextWidth)
		msg.Error = &t
	}
	return msg
}

// Trimmed returns msg with its reason fitted to MaxTextHeight x MaxTextWidth.
func (msg SkipPhase) Trimmed() SkipPhase {
	msg.Reason = TrimStrToRect(msg.Reason, MaxTextHeight, MaxTextWidth)
	return msg
}
