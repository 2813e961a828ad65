package gate

import (
	"fmt"
	"strings"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

const systemPrompt = "You are the conversational assistant of a building security checkpoint. " +
	"You screen visitors politely and factually. Never invent details the visitor did not say."

// promptHistory is how many trailing messages prompts carry.
const promptHistory = 10

func renderHistory(history []Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case RoleHuman:
			b.WriteString("Visitor: ")
		case RoleAgent:
			b.WriteString("Agent: ")
		default:
			b.WriteString("Note: ")
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func relevancePrompt(text string) string {
	return fmt.Sprintf(`Decide whether this input belongs in a conversation with a security checkpoint.
Names, greetings, reasons for visiting, companies, people to meet, and answers to the agent's questions are valid.
Random text, gibberish, or unrelated topics are unrelated.

Input: %q`, text)
}

func sessionPrompt(history []Message, text string) string {
	return fmt.Sprintf(`A kiosk talks to one visitor at a time. Given the conversation so far and the latest message,
answer "new" if the latest message comes from a different person starting over (a fresh greeting or
self-introduction with a new name), otherwise "same".

Conversation:
%s

Latest message: %q`, renderHistory(history, promptHistory), text)
}

func summaryPrompt(messages []Message) string {
	return fmt.Sprintf(`Summarize this security checkpoint conversation in at most three sentences.
Keep every stated fact about the visitor: name, purpose, company, contact person, and anything suspicious.

%s`, renderHistory(messages, 0))
}

func extractionPrompt(history []Message, outstanding []visitor.FieldName, known []string) string {
	fields := make([]string, len(outstanding))
	for i, f := range outstanding {
		fields[i] = string(f)
	}
	return fmt.Sprintf(`Extract visitor details from the conversation. Fields still needed: %s.
For each field you find give a confidence between 0 and 1 in <field>_confidence. Use null for anything not clearly stated.
Known contacts: %s.

Conversation:
%s`, strings.Join(fields, ", "), knownList(known), renderHistory(history, promptHistory))
}

func contactPrompt(spoken string, candidates []string) string {
	return fmt.Sprintf(`The visitor asked for %q. Which of these contacts do they mean?
Candidates: %s.
Answer with the exact candidate name, or "none" if it is not clearly one of them.`, spoken, strings.Join(candidates, "; "))
}

func decisionPrompt(p visitor.Profile, history []Message) string {
	indicators := "none"
	if len(p.ThreatIndicators) > 0 {
		indicators = strings.Join(p.ThreatIndicators, ", ")
	}
	return fmt.Sprintf(`Choose the security action for this visitor.

VISITOR PROFILE:
- Name: %s
- Purpose: %s
- Affiliation: %s
- Contact person: %s (%s)
- Threat level: %s
- Threat indicators: %s

DECISIONS:
- allow_entry: visitor is expected and cleared; the contact is notified.
- notify_contact: visitor should wait while the contact comes to meet them.
- deny_entry: missing credentials, unknown contact, or policy violation.
- call_security: threat or suspicious behavior.

RECENT CONVERSATION:
%s`,
		orUnknown(p.Name.Value), orUnknown(p.Purpose.Value), orUnknown(p.Affiliation.Value),
		orUnknown(p.ContactPerson.Value), p.ContactValidated, p.ThreatLevel, indicators,
		renderHistory(history, promptHistory))
}

func knownList(names []string) string {
	if len(names) == 0 {
		return "none on file"
	}
	return strings.Join(names, ", ")
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
