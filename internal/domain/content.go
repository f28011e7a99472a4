package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ContentKind string

const (
	ContentPlain      ContentKind = "plain"
	ContentStructured ContentKind = "structured"
)

// Content is generated text tagged with its shape. Plain content carries only
// Text; structured content may also carry extracted lists.
type Content struct {
	Kind                 ContentKind `json:"kind" enum:"plain,structured"`
	Text                 string      `json:"text"`
	AttackVectors        []string    `json:"attack_vectors,omitempty"`
	RejectedAlternatives []string    `json:"rejected_alternatives,omitempty"`
}

func PlainText(text string) Content {
	return Content{Kind: ContentPlain, Text: text}
}

func Structured(text string, attackVectors, rejectedAlternatives []string) Content {
	return Content{
		Kind:                 ContentStructured,
		Text:                 text,
		AttackVectors:        attackVectors,
		RejectedAlternatives: rejectedAlternatives,
	}
}

func (c Content) IsStructured() bool {
	return c.Kind == ContentStructured
}

func (c Content) Validate() error {
	switch c.Kind {
	case ContentPlain:
		if len(c.AttackVectors) > 0 || len(c.RejectedAlternatives) > 0 {
			return fmt.Errorf("plain content cannot carry structured extras")
		}
	case ContentStructured:
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("content text is empty")
	}
	return nil
}

// UnmarshalJSON accepts the tagged object form and a bare JSON string, which
// decodes as plain text.
func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = PlainText(text)
		return nil
	}
	type raw Content
	var v raw
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Kind == "" {
		v.Kind = ContentPlain
	}
	*c = Content(v)
	return nil
}
