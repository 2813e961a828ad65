package visitor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ThreatLevel is ordered: none < low < medium < high.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
)

var threatNames = [...]string{"none", "low", "medium", "high"}

func (l ThreatLevel) String() string {
	if l < ThreatNone || l > ThreatHigh {
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
	return threatNames[l]
}

// ParseThreatLevel accepts the lowercase level names.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range threatNames {
		if name == s {
			return ThreatLevel(i), true
		}
	}
	return ThreatNone, false
}

// MaxThreat returns the higher of two levels.
func MaxThreat(a, b ThreatLevel) ThreatLevel {
	if b > a {
		return b
	}
	return a
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ThreatLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, ok := ParseThreatLevel(s)
	if !ok {
		return fmt.Errorf("visitor: unknown threat level %q", s)
	}
	*l = parsed
	return nil
}

// Decision is the terminal security outcome.
type Decision string

const (
	DecisionNone          Decision = ""
	DecisionAllowEntry    Decision = "allow_entry"
	DecisionDenyEntry     Decision = "deny_entry"
	DecisionCallSecurity  Decision = "call_security"
	DecisionNotifyContact Decision = "notify_contact"
)

// ParseDecision accepts the canonical decision names.
func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllowEntry, DecisionDenyEntry, DecisionCallSecurity, DecisionNotifyContact:
		return d, true
	}
	return DecisionNone, false
}

// Notifies reports whether the decision warrants contacting the host.
func (d Decision) Notifies() bool {
	return d == DecisionAllowEntry || d == DecisionNotifyContact
}

// DecisionSource records how a decision was reached.
type DecisionSource string

const (
	SourceModel  DecisionSource = "model"
	SourceRule   DecisionSource = "rule"
	SourceForced DecisionSource = "forced"
)

// ContactStatus is the tri-state result of contact validation.
type ContactStatus string

const (
	ContactUnvalidated ContactStatus = "unvalidated"
	ContactMatched     ContactStatus = "matched"
	ContactNoMatch     ContactStatus = "no-match"
)

// FieldSource records where a field value came from.
type FieldSource string

const (
	FromExtraction   FieldSource = "extracted"
	FromConfirmation FieldSource = "user-confirmed"
)

// FieldName identifies a profile text field.
type FieldName string

const (
	FieldVisitorName   FieldName = "name"
	FieldPurpose       FieldName = "purpose"
	FieldAffiliation   FieldName = "affiliation"
	FieldContactPerson FieldName = "contact_person"
)

// Fields lists the text fields in question priority order.
var Fields = []FieldName{FieldVisitorName, FieldPurpose, FieldContactPerson, FieldAffiliation}

// FieldValue is a field with its confidence and provenance.
type FieldValue struct {
	Value      string      `json:"value,omitempty"`
	Confidence float64     `json:"confidence"`
	Source     FieldSource `json:"source,omitempty"`
}

// Present reports whether a value is set.
func (f FieldValue) Present() bool {
	return strings.TrimSpace(f.Value) != ""
}
