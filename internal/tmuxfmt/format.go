package tmuxfmt

import "strings"

// FieldSeparator delimits fields in tmux -F formats. ASCII Unit Separator
// cannot appear in session names.
const FieldSeparator = "\x1f"

// Join builds a tmux format string with the canonical delimiter.
func Join(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// SplitLine splits a formatted line. Older tmux builds print control
// characters as "_" or an escaped "\t", so those are accepted as fallbacks.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	if strings.Contains(line, FieldSeparator) {
		return strings.SplitN(line, FieldSeparator, maxParts)
	}
	if strings.Contains(line, "\t") {
		return strings.SplitN(line, "\t", maxParts)
	}
	if strings.Contains(line, `\t`) {
		return strings.SplitN(line, `\t`, maxParts)
	}
	if maxParts > 1 && strings.Count(line, "_") >= maxParts-1 {
		return splitTrailing(line, "_", maxParts)
	}
	return []string{line}
}

// splitTrailing peels maxParts-1 fields off the end so the first field may
// itself contain the separator.
func splitTrailing(line, sep string, maxParts int) []string {
	parts := make([]string, maxParts)
	rest := line
	for i := maxParts - 1; i > 0; i-- {
		idx := strings.LastIndex(rest, sep)
		parts[i] = rest[idx+len(sep):]
		rest = rest[:idx]
	}
	parts[0] = rest
	return parts
}
