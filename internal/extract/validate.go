package extract

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

var noteIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// IsNoteID reports whether s is a well-formed note identifier.
func IsNoteID(s string) bool {
	return noteIDPattern.MatchString(s)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	// The pattern is fixed and the registration cannot fail for a non-empty tag.
	_ = v.RegisterValidation("noteid", func(fl validator.FieldLevel) bool {
		return IsNoteID(fl.Field().String())
	})
	return v
}

// Validate checks that the id is well formed and that title or content carries text.
func (e *Extractor) Validate(note crawler.Note) error {
	note.Title = strings.TrimSpace(note.Title)
	note.Content = strings.TrimSpace(note.Content)
	err := e.validate.Struct(note)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &crawler.ValidationError{Field: verrs[0].Field(), Reason: describeTag(verrs[0])}
	}
	return fmt.Errorf("%w: %w", crawler.ErrValidation, err)
}

// Valid is Validate reduced to a boolean.
func (e *Extractor) Valid(note crawler.Note) bool {
	return e.Validate(note) == nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "noteid":
		return "must be 24 lowercase hex characters"
	case "required_without":
		return "and content are both empty"
	default:
		return fmt.Sprintf("failed validation '%s'", fe.Tag())
	}
}
