package model

// SplitCommand splits a command line into an argument vector. Single and
// double quotes group words; there is no escape character.
func SplitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)
	quoted := false

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if !inQuote {
				inQuote, quoteChar, quoted = true, r, true
			} else if r == quoteChar {
				inQuote, quoteChar = false, 0
			} else {
				current = append(current, r)
			}
		case (r == ' ' || r == '\t') && !inQuote:
			if len(current) > 0 || quoted {
				parts = append(parts, string(current))
				current, quoted = nil, false
			}
		default:
			current = append(current, r)
		}
	}
	if len(current) > 0 || quoted {
		parts = append(parts, string(current))
	}
	return parts
}
