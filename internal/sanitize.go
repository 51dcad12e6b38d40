package internal

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// MaxRefLength bounds a single input or output ref
const MaxRefLength = 255

var refPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

type ValidationError struct {
	Message string
	Details string
}

func (e *ValidationError) Error() string {
	return e.Message + ": " + e.Details
}

// ValidateRef rejects refs that would escape the mounted directory or
// break the transform command line. An empty ref is allowed only when
// optional is set.
func ValidateRef(ref string, optional bool) error {
	if ref == "" {
		if optional {
			return nil
		}
		return &ValidationError{
			Message: "Missing file reference",
			Details: "input ref is required",
		}
	}

	if len(ref) > MaxRefLength {
		return &ValidationError{
			Message: "File reference too long",
			Details: fmt.Sprintf("Max length allowed is %d", MaxRefLength),
		}
	}

	if strings.HasPrefix(ref, "/") {
		return &ValidationError{
			Message: "Absolute file reference",
			Details: "ref must be relative to the mounted directory: " + ref,
		}
	}

	if !refPattern.MatchString(ref) {
		return &ValidationError{
			Message: "Prohibited characters in file reference",
			Details: "only letters, digits, '.', '_', '-' and '/' are allowed",
		}
	}

	clean := path.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return &ValidationError{
			Message: "File reference escapes its directory",
			Details: ref,
		}
	}

	return nil
}
