package llm

import (
	"regexp"
	"strings"
)

var (
	specialTokenPattern = regexp.MustCompile(`<\|[A-Za-z0-9_]+\|>|</?s>|\[/?INST\]`)
	roleMarkerPattern   = regexp.MustCompile(`(?i)^(system|user|human|assistant|ai)\s*:\s*`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
)

const maxCleanPasses = 16

// BuildPrompt formats a single-turn prompt the way the reply cleaner expects.
func BuildPrompt(persona, transcript string) string {
	return persona + "\nUser: " + transcript + "\nAI:"
}

// Clean strips an echoed persona, special tokens and role markers from a raw
// model reply and collapses whitespace. Clean(Clean(x)) == Clean(x).
func Clean(raw, persona string) string {
	out := raw
	for i := 0; i < maxCleanPasses; i++ {
		next := cleanOnce(out, persona)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func cleanOnce(s, persona string) string {
	if persona = strings.TrimSpace(persona); persona != "" {
		if idx := strings.LastIndex(s, persona); idx >= 0 {
			s = s[idx+len(persona):]
		}
	}
	s = specialTokenPattern.ReplaceAllString(s, "\n")

	var kept []string
	started := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := roleMarkerPattern.FindStringSubmatch(line)
		if m == nil {
			kept = append(kept, line)
			started = true
			continue
		}
		switch strings.ToLower(m[1]) {
		case "assistant", "ai":
			started = true
			for m != nil {
				line = strings.TrimSpace(line[len(m[0]):])
				m = roleMarkerPattern.FindStringSubmatch(line)
			}
			if line != "" {
				kept = append(kept, line)
			}
		default:
			// an echoed user/system line ends the reply once it has begun
			if started {
				return finish(kept)
			}
		}
	}
	return finish(kept)
}

func finish(lines []string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(strings.Join(lines, " "), " "))
}
