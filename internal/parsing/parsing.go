// Package parsing is the strict gate between LLM output and the rest of
// the system. Every generative phase hands its raw reply here; anything
// that does not conform to the phase's expected shape is rejected, never
// coerced.
package parsing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractFencedCode returns the contents of the first fenced code block
// in text. A language tag after the opening fence is ignored. Text with
// no fence at all is returned as-is after trimming, since some models
// reply with bare code.
func ExtractFencedCode(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		if trimmed == "" {
			return "", fmt.Errorf("empty response")
		}
		return trimmed, nil
	}

	rest := trimmed[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line ("go", "json", ...).
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 20 && !strings.Contains(firstLine, " ") {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, "```")
	if end < 0 {
		return "", fmt.Errorf("unterminated code fence")
	}

	code := strings.TrimSpace(rest[:end])
	if code == "" {
		return "", fmt.Errorf("empty code block")
	}
	return code, nil
}

// ExtractJSON locates the first JSON object or array in text, tolerating
// surrounding prose and code fences. The extracted text still has to
// survive json.Unmarshal; this only finds the candidate span.
func ExtractJSON(text string) (string, error) {
	if fenced, err := ExtractFencedCode(text); err == nil {
		text = fenced
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON value found in response")
	}

	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON value in response")
}

// ParseGoalList parses a decomposition reply: a JSON array of goal
// strings. Empty strings and duplicates are rejected.
func ParseGoalList(text string) ([]string, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var goals []string
	if err := json.Unmarshal([]byte(raw), &goals); err != nil {
		return nil, fmt.Errorf("goal list is not a JSON string array: %w", err)
	}
	if len(goals) == 0 {
		return nil, fmt.Errorf("goal list is empty")
	}

	seen := make(map[string]struct{}, len(goals))
	for i, g := range goals {
		g = strings.TrimSpace(g)
		if g == "" {
			return nil, fmt.Errorf("goal %d is empty", i)
		}
		if _, dup := seen[g]; dup {
			return nil, fmt.Errorf("goal %q appears twice", g)
		}
		seen[g] = struct{}{}
		goals[i] = g
	}
	return goals, nil
}
