package gate

import (
	"fmt"
	"strings"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

const (
	unrelatedInputReply = "I didn't understand that. Please provide relevant information for your visit. " +
		"I need to know your name, purpose of visit, company/organization, and any security-related information."
	noContactNote = "No contact person on file. Please proceed to reception."

	ruleConfidence   = 0.6
	forcedConfidence = 1.0
)

var decisionReplies = map[visitor.Decision]string{
	visitor.DecisionAllowEntry:    "Access granted. Welcome! Please proceed to the main entrance.",
	visitor.DecisionNotifyContact: "Thank you. Your contact has been notified and will meet you shortly.",
	visitor.DecisionCallSecurity:  "Please wait here. Security has been notified and will assist you shortly.",
	visitor.DecisionDenyEntry:     "Access denied. Please contact the appropriate department to arrange your visit.",
}

func decisionReply(d visitor.Decision) string {
	return decisionReplies[d]
}

// question returns the follow-up for one missing field.
func question(field visitor.FieldName, known []string, rejected string) string {
	switch field {
	case visitor.FieldVisitorName:
		return "What is your name?"
	case visitor.FieldPurpose:
		return "What is the purpose of your visit today?"
	case visitor.FieldContactPerson:
		q := "Who is your contact?"
		if len(known) > 0 {
			q = fmt.Sprintf("Who is your contact? (Known contacts include: %s)", strings.Join(known, ", "))
		}
		if rejected != "" {
			q = fmt.Sprintf("I couldn't find %s in our directory. %s", rejected, q)
		}
		return q
	case visitor.FieldAffiliation:
		return "What company or organization are you with?"
	}
	return "Could you tell me more about your visit?"
}

// ruleDecision is the deterministic table used when the model gives no
// usable decision. High threat always calls security, even with an empty
// profile.
func ruleDecision(p visitor.Profile) (visitor.Decision, string) {
	matched := p.ContactValidated == visitor.ContactMatched
	var d visitor.Decision
	switch p.ThreatLevel {
	case visitor.ThreatHigh:
		d = visitor.DecisionCallSecurity
	case visitor.ThreatMedium:
		if matched {
			d = visitor.DecisionNotifyContact
		} else {
			d = visitor.DecisionCallSecurity
		}
	case visitor.ThreatLow:
		if matched {
			d = visitor.DecisionNotifyContact
		} else {
			d = visitor.DecisionDenyEntry
		}
	default:
		if matched {
			d = visitor.DecisionAllowEntry
		} else {
			d = visitor.DecisionDenyEntry
		}
	}
	reasoning := fmt.Sprintf("fallback: threat level %s, contact %s", p.ThreatLevel, p.ContactValidated)
	return d, reasoning
}

// forcedReasoning explains a threat-forced decision.
func forcedReasoning(p visitor.Profile) string {
	if len(p.ThreatIndicators) == 0 {
		return "threat level high: security called"
	}
	return "threat level high: " + strings.Join(p.ThreatIndicators, ", ")
}

// arrivalNotice builds the email sent to the visitor's contact.
func arrivalNotice(p visitor.Profile) (subject, body string) {
	name := orUnknown(p.Name.Value)
	status := "Access Granted"
	if p.Decision == visitor.DecisionNotifyContact {
		status = "Waiting at Security"
	}
	subject = "Visitor Arrival Notification - " + name
	body = fmt.Sprintf(`Hello %s,

This is an automated notification that your visitor has arrived:

Visitor Details:
- Name: %s
- Purpose: %s
- Affiliation: %s
- Status: %s

Best regards,
Security Gate System`, p.ContactPerson.Value, name, orUnknown(p.Purpose.Value), orUnknown(p.Affiliation.Value), status)
	return subject, body
}
