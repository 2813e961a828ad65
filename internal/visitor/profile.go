package visitor

import (
	"errors"
	"strings"
	"time"
)

var ErrAlreadyDecided = errors.New("visitor: decision already recorded")

// Profile is the canonical per-session visitor record. It is not safe for
// concurrent use; the owning session serializes access.
type Profile struct {
	Name          FieldValue `json:"name"`
	Purpose       FieldValue `json:"purpose"`
	Affiliation   FieldValue `json:"affiliation"`
	ContactPerson FieldValue `json:"contact_person"`

	ContactValidated ContactStatus `json:"contact_validated"`
	ContactEmail     string        `json:"contact_email,omitempty"`

	ThreatLevel      ThreatLevel `json:"threat_level"`
	ThreatIndicators []string    `json:"threat_indicators"`

	Decision           Decision       `json:"decision,omitempty"`
	DecisionConfidence float64        `json:"decision_confidence,omitempty"`
	DecisionReasoning  string         `json:"decision_reasoning,omitempty"`
	DecisionSource     DecisionSource `json:"decision_source,omitempty"`
	DecidedAt          time.Time      `json:"decided_at,omitempty"`

	Generation uint64 `json:"generation"`
}

// NewProfile returns an empty profile at generation zero.
func NewProfile() *Profile {
	return &Profile{ContactValidated: ContactUnvalidated, ThreatIndicators: []string{}}
}

// Decided reports whether a terminal decision has been recorded.
func (p *Profile) Decided() bool {
	return p.Decision != DecisionNone
}

// Field returns the value of a text field.
func (p *Profile) Field(name FieldName) FieldValue {
	if f := p.fieldPtr(name); f != nil {
		return *f
	}
	return FieldValue{}
}

func (p *Profile) fieldPtr(name FieldName) *FieldValue {
	switch name {
	case FieldVisitorName:
		return &p.Name
	case FieldPurpose:
		return &p.Purpose
	case FieldAffiliation:
		return &p.Affiliation
	case FieldContactPerson:
		return &p.ContactPerson
	}
	return nil
}

// Merge applies a candidate value only when its confidence is strictly
// higher than the current one. A new contact person resets validation.
func (p *Profile) Merge(name FieldName, candidate FieldValue) bool {
	if p.Decided() {
		return false
	}
	f := p.fieldPtr(name)
	if f == nil {
		return false
	}
	candidate.Value = strings.TrimSpace(candidate.Value)
	if candidate.Value == "" {
		return false
	}
	candidate.Confidence = clamp01(candidate.Confidence)
	if candidate.Source == "" {
		candidate.Source = FromExtraction
	}
	if f.Present() && candidate.Confidence <= f.Confidence {
		return false
	}
	changed := !strings.EqualFold(f.Value, candidate.Value)
	*f = candidate
	if name == FieldContactPerson && changed {
		p.ContactValidated = ContactUnvalidated
		p.ContactEmail = ""
	}
	return true
}

// MarkContact records the outcome of contact validation. A match may
// canonicalize the contact name to the directory spelling.
func (p *Profile) MarkContact(status ContactStatus, canonicalName, email string) bool {
	if p.Decided() {
		return false
	}
	p.ContactValidated = status
	switch status {
	case ContactMatched:
		if canonicalName != "" {
			p.ContactPerson.Value = canonicalName
		}
		p.ContactEmail = email
	case ContactNoMatch:
		p.ContactEmail = ""
	}
	return true
}

// ClearContactPerson drops a rejected contact so the next answer is
// merged fresh. The no-match status is kept until a new name arrives.
func (p *Profile) ClearContactPerson() {
	if p.Decided() {
		return
	}
	p.ContactPerson = FieldValue{}
	p.ContactEmail = ""
}

// RaiseThreat folds a threat observation: the level never decreases and
// indicators are unioned. It reports whether the level went up.
func (p *Profile) RaiseThreat(level ThreatLevel, indicators []string) bool {
	if p.Decided() {
		return false
	}
	for _, tag := range indicators {
		p.addIndicator(tag)
	}
	if level > p.ThreatLevel {
		p.ThreatLevel = level
		return true
	}
	return false
}

func (p *Profile) addIndicator(tag string) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	for _, existing := range p.ThreatIndicators {
		if existing == tag {
			return
		}
	}
	p.ThreatIndicators = append(p.ThreatIndicators, tag)
}

// Finalize records the terminal decision exactly once.
func (p *Profile) Finalize(d Decision, confidence float64, reasoning string, source DecisionSource, at time.Time) error {
	if p.Decided() {
		return ErrAlreadyDecided
	}
	if _, ok := ParseDecision(string(d)); !ok {
		return errors.New("visitor: invalid decision " + string(d))
	}
	p.Decision = d
	p.DecisionConfidence = clamp01(confidence)
	p.DecisionReasoning = reasoning
	p.DecisionSource = source
	p.DecidedAt = at
	return nil
}

// Reset clears every field and advances the generation.
func (p *Profile) Reset() {
	next := p.Generation + 1
	*p = *NewProfile()
	p.Generation = next
}

// Missing lists required fields that are absent or under minConfidence, in
// question priority order. contactOptional drops the contact person
// requirement, e.g. for threat-forced decisions.
func (p *Profile) Missing(minConfidence float64, contactOptional bool) []FieldName {
	var out []FieldName
	for _, name := range []FieldName{FieldVisitorName, FieldPurpose, FieldContactPerson} {
		if name == FieldContactPerson && contactOptional {
			continue
		}
		f := p.Field(name)
		if !f.Present() || f.Confidence < minConfidence {
			out = append(out, name)
		}
	}
	return out
}

// SettledConfidence is the confidence at which a field is no longer
// re-requested from extraction.
const SettledConfidence = 0.9

// Outstanding lists the text fields extraction should still ask for, in
// priority order: absent, or below SettledConfidence and not confirmed.
func (p *Profile) Outstanding() []FieldName {
	var out []FieldName
	for _, name := range Fields {
		f := p.Field(name)
		if f.Source == FromConfirmation && f.Present() {
			continue
		}
		if !f.Present() || f.Confidence < SettledConfidence {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot returns a deep copy.
func (p *Profile) Snapshot() Profile {
	cp := *p
	cp.ThreatIndicators = append([]string{}, p.ThreatIndicators...)
	return cp
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
