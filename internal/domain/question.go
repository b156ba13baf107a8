package domain

import "time"

// QuestionOption is one labeled choice for a structured question.
type QuestionOption struct {
	Label string `json:"label"`
}

// Question is a single agent-posed question: header text, free text, and
// zero or more labeled options.
type Question struct {
	Header      string           `json:"header,omitempty"`
	Text        string           `json:"text"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
}

// OptionLabels returns the labels for the given option indices, skipping
// indices out of range.
func (q *Question) OptionLabels(indices []int) []string {
	labels := make([]string, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(q.Options) {
			labels = append(labels, q.Options[i].Label)
		}
	}
	return labels
}

// DraftAnswer is a question's in-progress answer. A non-empty Custom text
// always wins over Selected; a skip leaves both empty.
type DraftAnswer struct {
	Selected []int  `json:"selected,omitempty"`
	Custom   string `json:"custom,omitempty"`
}

// Resolve turns the draft into the submission value for its question:
// the custom text if non-empty, else the selected option labels, else an
// empty list for a skipped or unanswered question.
func (d DraftAnswer) Resolve(q *Question) []string {
	if d.Custom != "" {
		return []string{d.Custom}
	}
	if len(d.Selected) > 0 {
		return q.OptionLabels(d.Selected)
	}
	return []string{}
}

// PendingQuestion is the per-conversation state of an in-flight question
// flow. At most one exists per conversation key at a time.
type PendingQuestion struct {
	ConversationKey string        `json:"conversation_key"`
	RequestID       string        `json:"request_id"`
	SessionRef      string        `json:"session_ref"`
	ChatRef         string        `json:"chat_ref"`
	Questions       []Question    `json:"questions"`
	Cursor          int           `json:"cursor"`
	Drafts          []DraftAnswer `json:"drafts"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Current returns the question at the cursor, or nil when the flow is
// already past the final question.
func (p *PendingQuestion) Current() *Question {
	if p.Cursor < 0 || p.Cursor >= len(p.Questions) {
		return nil
	}
	return &p.Questions[p.Cursor]
}

// ResolveAnswers produces the batch submission payload, one resolved
// answer list per question in order.
func (p *PendingQuestion) ResolveAnswers() [][]string {
	answers := make([][]string, len(p.Questions))
	for i := range p.Questions {
		answers[i] = p.Drafts[i].Resolve(&p.Questions[i])
	}
	return answers
}
