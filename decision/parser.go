package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var reInvisibleRunes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// ParseResponse splits a raw model response into the reasoning prose and the
// decision array. The reasoning is everything before the first '['; the
// decisions are the first balanced bracket block, decoded strictly.
func ParseResponse(response string) (cotTrace string, decisions []Decision, err error) {
	cotTrace = extractCoTTrace(response)
	decisions, err = extractDecisions(response)
	if err != nil {
		return cotTrace, nil, err
	}
	return cotTrace, decisions, nil
}

func extractCoTTrace(response string) string {
	if jsonStart := strings.Index(response, "["); jsonStart > 0 {
		return strings.TrimSpace(response[:jsonStart])
	}
	return strings.TrimSpace(response)
}

func extractDecisions(response string) ([]Decision, error) {
	s := reInvisibleRunes.ReplaceAllString(response, "")

	start := strings.Index(s, "[")
	if start == -1 {
		return nil, fmt.Errorf("no decision array found in response")
	}
	end := findMatchingBracket(s, start)
	if end == -1 {
		return nil, fmt.Errorf("unterminated decision array in response")
	}

	jsonContent := fixMissingQuotes(strings.TrimSpace(s[start : end+1]))

	// Unknown keys are rejected: a misspelled field silently defaulting to
	// zero would change trade sizing.
	dec := json.NewDecoder(strings.NewReader(jsonContent))
	dec.DisallowUnknownFields()

	var decisions []Decision
	if err := dec.Decode(&decisions); err != nil {
		return nil, fmt.Errorf("failed to decode decision array: %w\nJSON: %s", err, truncate(jsonContent, 200))
	}
	return decisions, nil
}

// findMatchingBracket returns the index of the ']' closing the '[' at start,
// or -1.
func findMatchingBracket(s string, start int) int {
	if start >= len(s) || s[start] != '[' {
		return -1
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// fixMissingQuotes normalizes curly quotes and full-width punctuation that
// models occasionally emit inside the JSON block.
func fixMissingQuotes(jsonStr string) string {
	replacements := [][2]string{
		{"“", `"`}, {"”", `"`},
		{"‘", "'"}, {"’", "'"},
		{"［", "["}, {"］", "]"},
		{"｛", "{"}, {"｝", "}"},
		{"：", ":"}, {"，", ","},
		{"【", "["}, {"】", "]"},
		{"　", " "},
	}
	for _, r := range replacements {
		jsonStr = strings.ReplaceAll(jsonStr, r[0], r[1])
	}
	return jsonStr
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
