package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextLength is the longest record text accepted, in runes.
const MaxTextLength = 500

// Validation errors returned by Fields.Validate and Patch.Validate.
var (
	ErrTextRequired  = errors.New("text is required")
	ErrTextTooLong   = fmt.Errorf("text must be %d characters or less", MaxTextLength)
	ErrNegativeHours = errors.New("estimated hours must not be negative")
	ErrSelfParent    = errors.New("record cannot be its own parent")
)

// Fields holds the user-editable content of a record.
type Fields struct {
	Text           string   `json:"text"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty"`
	ParentID       *int64   `json:"parentId,omitempty"`
}

// Record is one todo item.
type Record struct {
	ID int64 `json:"id"`
	Fields
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// Patch is a partial update. Nil pointers leave the field unchanged.
type Patch struct {
	Text           *string  `json:"text,omitempty"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty"`
	ClearEstimate  bool     `json:"clearEstimate,omitempty"`
	ParentID       *int64   `json:"parentId,omitempty"`
	ClearParent    bool     `json:"clearParent,omitempty"`
}

// Validate checks the fields of a record about to be created.
func (f Fields) Validate() error {
	if err := validateText(f.Text); err != nil {
		return err
	}
	if f.EstimatedHours != nil && *f.EstimatedHours < 0 {
		return ErrNegativeHours
	}
	return nil
}

// Normalized returns a copy with surrounding whitespace trimmed from Text.
func (f Fields) Normalized() Fields {
	f.Text = strings.TrimSpace(f.Text)
	return f
}

// Validate checks a patch before it is applied.
func (p Patch) Validate() error {
	if p.Text != nil {
		if err := validateText(*p.Text); err != nil {
			return err
		}
	}
	if p.EstimatedHours != nil && *p.EstimatedHours < 0 {
		return ErrNegativeHours
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Text == nil && p.EstimatedHours == nil && !p.ClearEstimate &&
		p.ParentID == nil && !p.ClearParent
}

// Apply returns r with the patch applied. It does not touch Version or
// UpdatedAt; callers do that with Touch.
func (p Patch) Apply(r Record) (Record, error) {
	if p.Text != nil {
		r.Text = strings.TrimSpace(*p.Text)
	}
	switch {
	case p.ClearEstimate:
		r.EstimatedHours = nil
	case p.EstimatedHours != nil:
		h := *p.EstimatedHours
		r.EstimatedHours = &h
	}
	switch {
	case p.ClearParent:
		r.ParentID = nil
	case p.ParentID != nil:
		if *p.ParentID == r.ID {
			return r, ErrSelfParent
		}
		id := *p.ParentID
		r.ParentID = &id
	}
	return r, nil
}

// Touch records a mutation at now: Version increments by one and UpdatedAt
// is set to now.
func (r *Record) Touch(now time.Time) {
	r.Version++
	r.UpdatedAt = now
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.EstimatedHours != nil {
		h := *r.EstimatedHours
		r.EstimatedHours = &h
	}
	if r.ParentID != nil {
		id := *r.ParentID
		r.ParentID = &id
	}
	return r
}

func validateText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrTextRequired
	}
	if utf8.RuneCountInString(trimmed) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}
