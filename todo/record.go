package todo

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength bounds the trimmed title, counted in code points.
	MaxTitleLength = 200
	// MaxDescriptionLength bounds the trimmed description, counted in code points.
	MaxDescriptionLength = 1000
)

// Record is one stored todo item.
type Record struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Completed   bool      `json:"completed"`
	Favorite    bool      `json:"favorite"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateInput holds the fields accepted when creating a record.
type CreateInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Completed   bool    `json:"completed"`
	Favorite    bool    `json:"favorite"`
}

// Patch holds a partial update. Nil fields are left untouched.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
	Favorite    *bool   `json:"favorite,omitempty"`
}

// Empty reports whether the patch carries no field at all.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil && p.Favorite == nil
}

// ListFilter narrows and pages a list query.
type ListFilter struct {
	Completed *bool
	Skip      int
	Limit     int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// NormalizeTitle trims a title and enforces its bounds.
func NormalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", Errorf(KindValidation, "Title cannot be empty or just whitespace")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", Errorf(KindValidation, "Title must be %d characters or less", MaxTitleLength)
	}
	return title, nil
}

// NormalizeDescription trims a description and enforces its bound.
func NormalizeDescription(raw string) (string, error) {
	description := strings.TrimSpace(raw)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", Errorf(KindValidation, "Description must be %d characters or less", MaxDescriptionLength)
	}
	return description, nil
}

// Normalize returns a trimmed, bounds-checked copy of the input. An empty
// description is dropped.
func (in CreateInput) Normalize() (CreateInput, error) {
	title, err := NormalizeTitle(in.Title)
	if err != nil {
		return CreateInput{}, err
	}
	out := in
	out.Title = title
	out.Description = nil
	if in.Description != nil {
		description, err := NormalizeDescription(*in.Description)
		if err != nil {
			return CreateInput{}, err
		}
		if description != "" {
			out.Description = &description
		}
	}
	return out, nil
}

// Normalize returns a trimmed, bounds-checked copy of the patch. Unlike
// create, an empty description is kept so that it clears the stored value.
func (p Patch) Normalize() (Patch, error) {
	out := p
	if p.Title != nil {
		title, err := NormalizeTitle(*p.Title)
		if err != nil {
			return Patch{}, err
		}
		out.Title = &title
	}
	if p.Description != nil {
		description, err := NormalizeDescription(*p.Description)
		if err != nil {
			return Patch{}, err
		}
		out.Description = &description
	}
	return out, nil
}

// Normalize applies defaults and bounds to a list filter.
func (f ListFilter) Normalize() (ListFilter, error) {
	if f.Skip < 0 {
		return ListFilter{}, Errorf(KindValidation, "skip must be greater than or equal to 0")
	}
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit < 1 || f.Limit > MaxListLimit {
		return ListFilter{}, Errorf(KindValidation, "limit must be between 1 and %d", MaxListLimit)
	}
	return f, nil
}

// Apply merges the patch into the record and advances UpdatedAt. UpdatedAt
// always moves forward, even when the clock has not.
func (p Patch) Apply(rec Record, now time.Time) Record {
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Description != nil {
		description := *p.Description
		rec.Description = &description
	}
	if p.Completed != nil {
		rec.Completed = *p.Completed
	}
	if p.Favorite != nil {
		rec.Favorite = *p.Favorite
	}
	rec.UpdatedAt = nextUpdatedAt(rec, now)
	return rec
}

func nextUpdatedAt(rec Record, now time.Time) time.Time {
	next := now.UTC()
	if !next.After(rec.UpdatedAt) {
		next = rec.UpdatedAt.Add(time.Microsecond)
	}
	if next.Before(rec.CreatedAt) {
		next = rec.CreatedAt
	}
	return next
}

// NotFound returns the canonical not-found error for a record id.
func NotFound(id int64) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("Todo with ID %d not found", id),
		Cause:   ErrNotFound,
	}
}
