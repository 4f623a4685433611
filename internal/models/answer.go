package models

// Prompt is the instruction handed to the language model.
type Prompt struct {
	System string
	User   string
}

// Fragment is one piece of streamed model output. A fragment with a non-nil
// Err or with Done set is always the last one on its channel; Done marks a
// complete answer and carries no text.
type Fragment struct {
	Text string
	Err  error
	Done bool
}

// Source is a citation for an answer.
type Source struct {
	Page     *int   `json:"page"`
	Document string `json:"document"`
	Content  string `json:"content"`
}

// Answer is returned to the caller and never persisted.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
	Refused bool     `json:"-"`
}
