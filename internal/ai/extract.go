package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// preferenceResponse is the JSON object the scoring prompt asks for.
type preferenceResponse struct {
	Score  any    `json:"score"`
	Reason string `json:"reason"`
}

// parseScore extracts the numeric preference score from a model response.
// It accepts a JSON object with a "score" field, optionally wrapped in a
// markdown fence or surrounded by prose, or a bare number.
func parseScore(resp string) (float64, error) {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return 0, fmt.Errorf("empty response")
	}

	if jsonStr, ok := extractFirstJSONObject(cleaned); ok {
		var data preferenceResponse
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			return 0, fmt.Errorf("decode score json: %w", err)
		}
		score, err := coerceFloat(data.Score)
		if err != nil {
			return 0, err
		}
		return score, nil
	}

	score, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("response is neither a score object nor a number: %w", err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("score is not finite")
	}
	return score, nil
}

func coerceFloat(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("score %q is not numeric", val)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("score field missing")
	default:
		return 0, fmt.Errorf("score has unexpected type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score is not finite")
	}
	return f, nil
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// extractFirstJSONObject finds the first outermost balanced {...}
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if char == '{' {
				depth++
			} else if char == '}' {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}
