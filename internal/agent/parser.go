package agent

import (
	"regexp"
	"strings"

	"cale-agent/internal/domain"
)

const (
	finalAnswerMarker = "Final Answer:"
	observationMarker = "\nObservation:"
)

var (
	actionRe      = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	actionOnlyRe  = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)`)
	actionInputRe = regexp.MustCompile(`(?s)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
)

// Observations fed back to the model when its output cannot be used.
const (
	ObsBothAnswerAndAction = "Invalid or incomplete response"
	ObsMissingAction       = "Invalid Format: Missing 'Action:' after 'Thought:'"
	ObsMissingActionInput  = "Invalid Format: Missing 'Action Input:' after 'Action:'"
)

// ParseError is an unusable backend output. It never leaves the loop; its
// Observation becomes the next step's feedback. It unwraps to a
// domain.ErrorParse so domain.CodeOf classifies it.
type ParseError struct {
	Observation string
	Text        string
}

func (e *ParseError) Error() string {
	return "agent: could not parse output: " + e.Observation
}

func (e *ParseError) Unwrap() error {
	return domain.NewError(domain.ErrorParse, "react_format", nil)
}

// Output is one parsed backend turn: either a tool call or a final answer.
type Output struct {
	Finished bool
	Answer   string
	Tool     string
	Input    string
	Thought  string
	Log      string
}

// ParseOutput reads a ReAct completion. A completion carrying both a final
// answer and an action, or neither, is a *ParseError.
func ParseOutput(text string) (Output, error) {
	// Some backends ignore stop sequences and invent the observation too.
	if i := strings.Index(text, observationMarker); i >= 0 {
		text = text[:i]
	}

	includesAnswer := strings.Contains(text, finalAnswerMarker)
	if m := actionRe.FindStringSubmatch(text); m != nil {
		if includesAnswer {
			return Output{}, &ParseError{Observation: ObsBothAnswerAndAction, Text: text}
		}
		input := strings.Trim(strings.TrimSpace(m[2]), `"`)
		return Output{
			Tool:    strings.TrimSpace(m[1]),
			Input:   input,
			Thought: thought(text),
			Log:     text,
		}, nil
	}
	if includesAnswer {
		parts := strings.Split(text, finalAnswerMarker)
		return Output{
			Finished: true,
			Answer:   strings.TrimSpace(parts[len(parts)-1]),
			Thought:  thought(text),
			Log:      text,
		}, nil
	}
	if !actionOnlyRe.MatchString(text) {
		return Output{}, &ParseError{Observation: ObsMissingAction, Text: text}
	}
	if !actionInputRe.MatchString(text) {
		return Output{}, &ParseError{Observation: ObsMissingActionInput, Text: text}
	}
	return Output{}, &ParseError{Observation: ObsBothAnswerAndAction, Text: text}
}

// thought returns the reasoning before the first Action or Final Answer.
func thought(text string) string {
	end := len(text)
	for _, marker := range []string{"Action:", finalAnswerMarker} {
		if i := strings.Index(text, marker); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text[:end]), "Thought:"))
}
