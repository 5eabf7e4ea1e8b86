package todo

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestCreateInputNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       CreateInput
		wantErr  bool
		wantText string
		wantDesc *string
	}{
		{name: "trims title", in: CreateInput{Title: "  Buy milk  "}, wantText: "Buy milk"},
		{name: "empty title", in: CreateInput{Title: ""}, wantErr: true},
		{name: "whitespace title", in: CreateInput{Title: " \t\n "}, wantErr: true},
		{name: "title at bound", in: CreateInput{Title: strings.Repeat("x", 200)}, wantText: strings.Repeat("x", 200)},
		{name: "title over bound", in: CreateInput{Title: strings.Repeat("x", 201)}, wantErr: true},
		{name: "bound applies after trim", in: CreateInput{Title: "  " + strings.Repeat("x", 200) + "  "}, wantText: strings.Repeat("x", 200)},
		{name: "bound counts code points", in: CreateInput{Title: strings.Repeat("é", 200)}, wantText: strings.Repeat("é", 200)},
		{name: "description trimmed", in: CreateInput{Title: "a", Description: strPtr("  notes ")}, wantText: "a", wantDesc: strPtr("notes")},
		{name: "blank description dropped", in: CreateInput{Title: "a", Description: strPtr("   ")}, wantText: "a"},
		{name: "description over bound", in: CreateInput{Title: "a", Description: strPtr(strings.Repeat("d", 1001))}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				if KindOf(err) != KindValidation {
					t.Fatalf("Normalize() err = %v, want validation_error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if got.Title != tt.wantText {
				t.Fatalf("Title = %q, want %q", got.Title, tt.wantText)
			}
			switch {
			case tt.wantDesc == nil && got.Description != nil:
				t.Fatalf("Description = %q, want nil", *got.Description)
			case tt.wantDesc != nil && (got.Description == nil || *got.Description != *tt.wantDesc):
				t.Fatalf("Description = %v, want %q", got.Description, *tt.wantDesc)
			}
		})
	}
}

func TestPatchNormalizeKeepsEmptyDescription(t *testing.T) {
	got, err := Patch{Description: strPtr("   ")}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.Description == nil || *got.Description != "" {
		t.Fatalf("Description = %v, want empty string", got.Description)
	}
	if _, err := (Patch{Title: strPtr("  ")}).Normalize(); KindOf(err) != KindValidation {
		t.Fatalf("blank title err = %v, want validation_error", err)
	}
}

func TestPatchEmpty(t *testing.T) {
	if !(Patch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	if (Patch{Favorite: boolPtr(false)}).Empty() {
		t.Fatal("patch with favorite=false should not be empty")
	}
}

func TestPatchApplyAdvancesUpdatedAt(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Record{ID: 1, Title: "a", CreatedAt: created, UpdatedAt: created}

	// Clock did not move: updated_at must still advance.
	got := Patch{Completed: boolPtr(true)}.Apply(rec, created)
	if !got.UpdatedAt.After(rec.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want after %v", got.UpdatedAt, rec.UpdatedAt)
	}
	if !got.Completed {
		t.Fatal("Completed not applied")
	}

	later := created.Add(time.Minute)
	got = Patch{Title: strPtr("b")}.Apply(rec, later)
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}
	if got.Title != "b" {
		t.Fatalf("Title = %q, want b", got.Title)
	}
}

func TestListFilterNormalize(t *testing.T) {
	got, err := ListFilter{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.Limit != DefaultListLimit || got.Skip != 0 {
		t.Fatalf("defaults = %+v", got)
	}
	for _, bad := range []ListFilter{{Skip: -1}, {Limit: -5}, {Limit: MaxListLimit + 1}} {
		if _, err := bad.Normalize(); KindOf(err) != KindValidation {
			t.Fatalf("Normalize(%+v) err = %v, want validation_error", bad, err)
		}
	}
}

func TestKindsAreValid(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 7 {
		t.Fatalf("kinds = %v, want 7", kinds)
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			t.Fatalf("%s is not valid", kind)
		}
	}
	if ErrorKind("bogus").Valid() || ErrorKind("").Valid() {
		t.Fatal("unknown kind reported valid")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf(plain) = %q", got)
	}
	if got := KindOf(ErrNotFound); got != KindNotFound {
		t.Fatalf("KindOf(ErrNotFound) = %q", got)
	}
	wrapped := Wrap(KindTimeout, "", errors.New("deadline"))
	if got := KindOf(wrapped); got != KindTimeout {
		t.Fatalf("KindOf(wrapped) = %q", got)
	}
	if wrapped.Message != "deadline" {
		t.Fatalf("Message = %q, want cause text", wrapped.Message)
	}
	if !errors.Is(NotFound(7), ErrNotFound) {
		t.Fatal("NotFound should wrap ErrNotFound")
	}
	if got := Wrap(ErrorKind("bogus"), "x", nil).Kind; got != KindInternal {
		t.Fatalf("invalid kind = %q, want internal_error", got)
	}
}
