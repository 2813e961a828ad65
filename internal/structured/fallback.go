package structured

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/wolfman30/security-gate-ai/internal/schema"
)

// heuristicConfidence is reported for values recovered from free text.
// Callers halve it for degraded results.
const heuristicConfidence = 0.8

// Hints parameterize the degraded parsers for one call site.
type Hints struct {
	// KnownNames are directory names the contact and extraction parsers may
	// recognize verbatim.
	KnownNames []string
	// FallbackText is scanned when the model produced no usable text, e.g.
	// the visitor's latest utterance for extraction.
	FallbackText string
}

type fallbackParser func(text string, c schema.Contract, h Hints) (map[string]any, bool)

var fallbackParsers = map[schema.Kind]fallbackParser{
	schema.KindDecision:   parseDecisionText,
	schema.KindSession:    parseSessionText,
	schema.KindExtraction: parseExtractionText,
	schema.KindContact:    parseContactText,
	schema.KindThreat:     parseThreatText,
	schema.KindRelevance:  parseRelevanceText,
	schema.KindSummary:    parseSummaryText,
}

var (
	confidencePattern = regexp.MustCompile(`(?i)confidence["']?\s*[:=]\s*"?([0-9]*\.?[0-9]+)`)
	reasoningPattern  = regexp.MustCompile(`(?i)reason(?:ing)?["']?\s*[:=]\s*"?([^"\n]+)`)
	contactKeyPattern = regexp.MustCompile(`(?i)contact["']?\s*[:=]\s*"?([^"\n,}]+)`)
	threatKeyPattern  = regexp.MustCompile(`(?i)threat[_ ]level["']?\s*(?:is\s+|[:=]\s*)"?([a-z]+)`)
	fieldLinePattern  = regexp.MustCompile(`(?im)^[\s\-*"{,]*(name|purpose|affiliation|contact[_ ]person)(_confidence)?["']?\s*[:=]\s*"?([^"\n,}]*)`)

	namePattern        = regexp.MustCompile(`(?:[Mm]y name is|[Nn]ame's|I am|I'm|I’m|[Tt]his is)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	contactPattern     = regexp.MustCompile(`(?:\bfor|\bto see|\bmeeting with|\bmeet|\bvisiting|\bsee)\s+(?:(?:Mr|Ms|Mrs|Dr)\.?\s+)?([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	affiliationPattern = regexp.MustCompile(`(?:\bfrom|\bwith|\bwork (?:for|at)|\brepresenting)\s+([A-Z][\w&.\-]*(?:\s+[A-Z][\w&.\-]*)?)`)
)

var decisionAliases = map[string]string{
	"allow_request":  "allow_entry",
	"deny_request":   "deny_entry",
	"access granted": "allow_entry",
	"access denied":  "deny_entry",
}

// purposeKeywords are checked in order; the first hit wins.
var purposeKeywords = []struct {
	purpose  string
	keywords []string
}{
	{"delivery", []string{"deliver", "delivery", "package", "parcel", "courier"}},
	{"interview", []string{"interview"}},
	{"meeting", []string{"meeting", "appointment", "meet"}},
	{"maintenance", []string{"maintenance", "repair", "fix", "technician"}},
	{"tour", []string{"tour"}},
	{"pickup", []string{"pick up", "pickup", "collect"}},
}

var emptyValues = map[string]struct{}{
	"": {}, "-1": {}, "none": {}, "null": {}, "unknown": {}, "n/a": {}, "na": {},
}

// IsBlank reports placeholder values models use for "unknown".
func IsBlank(v string) bool {
	_, ok := emptyValues[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// earliestToken returns the enum value that appears first in text as a
// whole word. Underscores also match spaces.
func earliestToken(text string, values []string, aliases map[string]string) (string, bool) {
	lower := strings.ToLower(text)
	best, bestIdx := "", -1
	try := func(token, canonical string) {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(token)) + `\b`)
		if loc := re.FindStringIndex(lower); loc != nil && (bestIdx < 0 || loc[0] < bestIdx) {
			best, bestIdx = canonical, loc[0]
		}
	}
	for _, v := range values {
		try(v, v)
		if strings.Contains(v, "_") {
			try(strings.ReplaceAll(v, "_", " "), v)
		}
	}
	for alias, canonical := range aliases {
		try(alias, canonical)
	}
	return best, bestIdx >= 0
}

func enumValues(c schema.Contract, field string) []string {
	f, ok := c.Field(field)
	if !ok {
		return nil
	}
	return f.Enum
}

func reportedConfidence(text string, fallback float64) float64 {
	if m := confidencePattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return clamp01(v)
		}
	}
	return fallback
}

func parseDecisionText(text string, c schema.Contract, _ Hints) (map[string]any, bool) {
	decision, ok := earliestToken(text, enumValues(c, "decision"), decisionAliases)
	if !ok {
		return nil, false
	}
	reasoning := "parsed from unstructured model output"
	if m := reasoningPattern.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[1]) != "" {
		reasoning = strings.TrimSpace(m[1])
	}
	return map[string]any{
		"decision":   decision,
		"confidence": reportedConfidence(text, 0.5),
		"reasoning":  reasoning,
	}, true
}

// parseSessionText defaults to continuing the session.
func parseSessionText(text string, c schema.Contract, _ Hints) (map[string]any, bool) {
	session, ok := earliestToken(text, enumValues(c, "session"), nil)
	if !ok {
		session = "same"
	}
	return map[string]any{"session": session}, true
}

// parseRelevanceText only rejects input when the model clearly said so.
func parseRelevanceText(text string, _ schema.Contract, _ Hints) (map[string]any, bool) {
	verdict := "valid"
	if regexp.MustCompile(`(?i)\bunrelated\b`).MatchString(text) {
		verdict = "unrelated"
	}
	return map[string]any{"verdict": verdict}, true
}

func parseSummaryText(text string, _ schema.Contract, _ Hints) (map[string]any, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	return map[string]any{"text": strings.TrimSpace(text)}, true
}

// parseExtractionText reads "field: value" lines from model output and
// falls back to utterance heuristics on the hint text.
func parseExtractionText(text string, _ schema.Contract, h Hints) (map[string]any, bool) {
	out := map[string]any{}
	for _, m := range fieldLinePattern.FindAllStringSubmatch(text, -1) {
		key := strings.ReplaceAll(strings.ToLower(m[1]), " ", "_")
		value := strings.TrimSpace(m[3])
		if m[2] != "" {
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				out[key+"_confidence"] = clamp01(v)
			}
			continue
		}
		if IsBlank(value) {
			continue
		}
		out[key] = value
		if _, ok := out[key+"_confidence"]; !ok {
			out[key+"_confidence"] = heuristicConfidence
		}
	}
	if len(out) == 0 && strings.TrimSpace(h.FallbackText) != "" {
		out = extractFromUtterance(h.FallbackText, h.KnownNames)
	}
	// Drop orphaned confidences.
	for _, key := range []string{"name", "purpose", "affiliation", "contact_person"} {
		if _, ok := out[key]; !ok {
			delete(out, key+"_confidence")
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func extractFromUtterance(text string, known []string) map[string]any {
	out := map[string]any{}
	set := func(key, value string) {
		out[key] = value
		out[key+"_confidence"] = heuristicConfidence
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		set("name", m[1])
	}
	lower := strings.ToLower(text)
	for _, p := range purposeKeywords {
		found := false
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				found = true
				break
			}
		}
		if found {
			set("purpose", p.purpose)
			break
		}
	}
	if name, ok := mentionedName(text, known); ok {
		set("contact_person", name)
	} else if m := contactPattern.FindStringSubmatch(text); m != nil && m[1] != out["name"] {
		set("contact_person", m[1])
	}
	if m := affiliationPattern.FindStringSubmatch(text); m != nil && m[1] != out["contact_person"] {
		set("affiliation", m[1])
	}
	return out
}

// mentionedName returns the single known name whose full form or first
// token appears in text.
func mentionedName(text string, known []string) (string, bool) {
	lower := strings.ToLower(text)
	var hits []string
	for _, name := range known {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		if strings.Contains(lower, n) {
			return name, true
		}
		first := strings.Fields(n)[0]
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(first) + `\b`).MatchString(lower) {
			hits = append(hits, name)
		}
	}
	if len(hits) == 1 {
		return hits[0], true
	}
	return "", false
}

func parseContactText(text string, _ schema.Contract, h Hints) (map[string]any, bool) {
	contact := ""
	if m := contactKeyPattern.FindStringSubmatch(text); m != nil {
		contact = strings.TrimSpace(m[1])
	}
	if contact == "" {
		if name, ok := mentionedName(text, h.KnownNames); ok {
			contact = name
		}
	}
	if IsBlank(contact) {
		return map[string]any{"contact": "none", "confidence": 0.0}, true
	}
	return map[string]any{"contact": contact, "confidence": reportedConfidence(text, 0.5)}, true
}

var threatKeywords = []struct {
	level    string
	keywords []string
}{
	{"high", []string{"weapon", "gun", "knife", "firearm", "explosive"}},
	{"medium", []string{"angry", "aggressive", "hostile"}},
}

var negations = map[string]struct{}{
	"no": {}, "not": {}, "without": {}, "never": {}, "nor": {}, "isn't": {}, "aren't": {}, "none": {},
}

// mentionedPlainly reports whether kw appears at least once without a
// negation in the three words before it.
func mentionedPlainly(lower, kw string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	for _, loc := range re.FindAllStringIndex(lower, -1) {
		words := strings.FieldsFunc(lower[:loc[0]], func(r rune) bool {
			return !(r == '\'' || r >= 'a' && r <= 'z')
		})
		if len(words) > 3 {
			words = words[len(words)-3:]
		}
		negated := false
		for _, w := range words {
			if _, ok := negations[w]; ok {
				negated = true
				break
			}
		}
		if !negated {
			return true
		}
	}
	return false
}

func parseThreatText(text string, c schema.Contract, _ Hints) (map[string]any, bool) {
	lower := strings.ToLower(text)
	out := map[string]any{}
	indicators := map[string]struct{}{}
	for _, key := range []string{"dangerous_object", "angry_face", "no_face_detected"} {
		if regexp.MustCompile(key + `["']?\s*[:=]\s*true`).MatchString(lower) {
			out[key] = true
			indicators[key] = struct{}{}
		}
	}

	level := ""
	if m := threatKeyPattern.FindStringSubmatch(text); m != nil {
		for _, v := range enumValues(c, "threat_level") {
			if strings.EqualFold(v, m[1]) {
				level = v
			}
		}
	}
	if level == "" {
		switch {
		case out["dangerous_object"] == true:
			level = "high"
		case out["angry_face"] == true:
			level = "medium"
		}
	}
	if level == "" {
		if v, ok := earliestToken(text, enumValues(c, "threat_level"), nil); ok {
			level = v
		}
	}
	if level == "" {
		for _, tk := range threatKeywords {
			for _, kw := range tk.keywords {
				if mentionedPlainly(lower, kw) {
					level = tk.level
					indicators[kw] = struct{}{}
					break
				}
			}
			if level != "" {
				break
			}
		}
	}
	if level == "" {
		return nil, false
	}
	out["threat_level"] = level
	tags := make([]string, 0, len(indicators))
	for tag := range indicators {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out["indicators"] = tags
	out["confidence"] = reportedConfidence(text, 0.5)
	return out, true
}
