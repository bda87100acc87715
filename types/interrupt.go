package types

import (
	"encoding/json"
	"fmt"
)

// ResolutionConfig declares which resolutions an interrupt accepts.
type ResolutionConfig string

const (
	ResolutionAcceptOnly      ResolutionConfig = "accept_only"
	ResolutionAcceptOrEdit    ResolutionConfig = "accept_or_edit"
	ResolutionFreeTextRespond ResolutionConfig = "free_text_respond"
)

// Valid reports whether c is a known config.
func (c ResolutionConfig) Valid() bool {
	switch c {
	case ResolutionAcceptOnly, ResolutionAcceptOrEdit, ResolutionFreeTextRespond:
		return true
	}
	return false
}

// Allows reports whether a resolution of the given kind satisfies the config.
// Every config accepts a plain accept.
func (c ResolutionConfig) Allows(kind ResolutionKind) bool {
	switch kind {
	case ResolutionAccept:
		return c.Valid()
	case ResolutionEdit:
		return c == ResolutionAcceptOrEdit
	case ResolutionRespond:
		return c == ResolutionFreeTextRespond
	}
	return false
}

// ResolutionKind is the kind of answer a human gave to an interrupt.
type ResolutionKind string

const (
	ResolutionAccept  ResolutionKind = "accept"
	ResolutionEdit    ResolutionKind = "edit"
	ResolutionRespond ResolutionKind = "respond"
)

// Resolution is one of accept, edit(payload) or respond(text).
type Resolution struct {
	Kind    ResolutionKind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// Accept builds an accept resolution.
func Accept() Resolution { return Resolution{Kind: ResolutionAccept} }

// Edit builds an edit resolution carrying a replacement payload.
func Edit(payload json.RawMessage) Resolution {
	return Resolution{Kind: ResolutionEdit, Payload: payload}
}

// Respond builds a free-text resolution.
func Respond(text string) Resolution {
	return Resolution{Kind: ResolutionRespond, Text: text}
}

// Validate checks the resolution is well formed on its own.
func (r Resolution) Validate() error {
	switch r.Kind {
	case ResolutionAccept:
		return nil
	case ResolutionEdit:
		if len(r.Payload) == 0 {
			return NewValidationError("edit resolution requires a payload")
		}
		if !json.Valid(r.Payload) {
			return NewValidationError("edit payload is not valid JSON")
		}
		return nil
	case ResolutionRespond:
		if r.Text == "" {
			return NewValidationError("respond resolution requires text")
		}
		return nil
	default:
		return NewValidationError(fmt.Sprintf("unknown resolution kind %q", r.Kind))
	}
}
