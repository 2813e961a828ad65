package structured

import "strings"

// Result is the outcome of one structured invocation. Value is nil when
// neither the model output nor the fallback parser produced a usable object.
type Result struct {
	Value      map[string]any
	RawText    string
	Degraded   bool
	SchemaName string
	// Cause is the failure that forced degradation, if any.
	Cause error
}

// OK reports whether a value is available.
func (r Result) OK() bool { return r.Value != nil }

func (r Result) String(key string) string {
	if r.Value == nil {
		return ""
	}
	s, _ := r.Value[key].(string)
	return strings.TrimSpace(s)
}

func (r Result) Float(key string) (float64, bool) {
	if r.Value == nil {
		return 0, false
	}
	switch n := r.Value[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (r Result) Bool(key string) bool {
	if r.Value == nil {
		return false
	}
	b, _ := r.Value[key].(bool)
	return b
}

func (r Result) Strings(key string) []string {
	if r.Value == nil {
		return nil
	}
	switch v := r.Value[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// Confidence scales a model-reported confidence for degraded results.
func (r Result) Confidence(reported float64) float64 {
	if r.Degraded {
		return DegradedConfidence(reported)
	}
	return reported
}

// DegradedConfidence halves a confidence obtained from fallback parsing.
func DegradedConfidence(c float64) float64 {
	return clamp01(c) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
