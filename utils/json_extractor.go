package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSONFound is returned when no valid JSON object/array is found in the input
var ErrNoJSONFound = errors.New("no valid JSON object or array found in response")

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// ExtractJSON pulls a valid JSON document out of a language-model response
// that may carry markdown fences, leading prose or trailing commentary.
//
// Strategies, first hit wins:
//  1. strip markdown code fences and validate what remains
//  2. balanced-bracket scan for the first complete top-level object/array
//  3. first-to-last brace slice as a final attempt
func ExtractJSON(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", ErrNoJSONFound
	}

	cleaned := StripMarkdownFences(response)
	if json.Valid([]byte(cleaned)) {
		return cleaned, nil
	}

	if region, ok := BalancedJSONRegion(cleaned); ok && json.Valid([]byte(region)) {
		return region, nil
	}

	if candidate := outerBraceSlice(response); candidate != "" && json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	return "", fmt.Errorf("%w: response length=%d", ErrNoJSONFound, len(response))
}

// ExtractJSONTo extracts JSON from response and unmarshals it into the target
func ExtractJSONTo(response string, target interface{}) error {
	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(jsonStr), target)
}

// StripMarkdownFences removes ```json ... ``` style code fencing
func StripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)

	if matches := fenceRe.FindStringSubmatch(s); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	return strings.TrimSpace(s)
}

// BalancedJSONRegion locates the first balanced top-level bracketed region in
// the text, skipping over string literals and escapes. It returns the region
// and whether one was found; validity of the JSON inside is the caller's
// problem.
func BalancedJSONRegion(s string) (string, bool) {
	startObj := strings.Index(s, "{")
	startArr := strings.Index(s, "[")

	var start int
	var openChar, closeChar byte

	switch {
	case startObj == -1 && startArr == -1:
		return "", false
	case startArr == -1 || (startObj != -1 && startObj < startArr):
		start, openChar, closeChar = startObj, '{', '}'
	default:
		start, openChar, closeChar = startArr, '[', ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

// outerBraceSlice takes the widest possible slice between the first opening
// and last closing brace/bracket, for responses where bracket matching was
// defeated by unescaped quotes inside strings.
func outerBraceSlice(s string) string {
	firstBrace := strings.Index(s, "{")
	lastBrace := strings.LastIndex(s, "}")
	if firstBrace != -1 && lastBrace > firstBrace {
		return s[firstBrace : lastBrace+1]
	}

	firstBracket := strings.Index(s, "[")
	lastBracket := strings.LastIndex(s, "]")
	if firstBracket != -1 && lastBracket > firstBracket {
		return s[firstBracket : lastBracket+1]
	}

	return ""
}
