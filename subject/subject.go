// Package subject implements the hierarchical identifier grammar that
// drives stream identity and collection layout: segment('/'segment)*,
// where segment = [A-Za-z0-9-]+.
package subject

import (
	"fmt"
	"regexp"
	"strings"

	"vorfall/errs"
)

// segmentPattern matches a single path segment. The character class
// already covers both cases, so the grammar is case-insensitive without
// needing an (?i) flag.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Subject is a validated hierarchical identifier, entity/id/qualifier...
// Parse and ParseStrict are its validating constructors; a plain
// conversion such as Subject(raw) also compiles and skips validation.
type Subject string

// StreamSubject is a validated two-segment subject, entity/id.
type StreamSubject string

func (s Subject) String() string       { return string(s) }
func (s StreamSubject) String() string { return string(s) }

// Parse validates raw against the subject grammar. It is the lenient
// variant: single-segment subjects are accepted here, for callers that
// only need a bare entity name rather than a full event subject.
// Callers that need a full event subject should prefer ParseStrict.
func Parse(raw string) (Subject, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return "", err
	}
	if len(segs) < 1 {
		return "", fmt.Errorf("%q: %w", raw, errs.ErrInvalidSubjectFormat)
	}
	return Subject(raw), nil
}

// ParseStrict validates raw against the subject grammar and additionally
// rejects single-segment subjects. This is the intended contract for new
// callers; Parse remains available for callers that legitimately need a
// bare single-segment name.
func ParseStrict(raw string) (Subject, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return "", err
	}
	if len(segs) < 2 {
		return "", fmt.Errorf("%q: single-segment subject rejected by strict parser: %w", raw, errs.ErrInvalidSubjectFormat)
	}
	return Subject(raw), nil
}

// ParseStream validates raw as a stream subject: exactly two segments.
func ParseStream(raw string) (StreamSubject, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return "", err
	}
	if len(segs) != 2 {
		return "", fmt.Errorf("%q: stream subject requires exactly two segments: %w", raw, errs.ErrInvalidSubjectFormat)
	}
	return StreamSubject(raw), nil
}

// StreamSubjectOf returns the first two segments of s joined by '/'. It
// fails if s has fewer than two segments.
func StreamSubjectOf(s Subject) (StreamSubject, error) {
	segs, err := splitSegments(string(s))
	if err != nil {
		return "", err
	}
	if len(segs) < 2 {
		return "", fmt.Errorf("%q: cannot derive stream subject from fewer than two segments: %w", s, errs.ErrInvalidSubjectFormat)
	}
	return StreamSubject(segs[0] + "/" + segs[1]), nil
}

// CollectionOf returns the first segment of s, which names the physical
// collection the stream document lives in.
func CollectionOf(s Subject) (string, error) {
	segs, err := splitSegments(string(s))
	if err != nil {
		return "", err
	}
	if len(segs) < 1 || segs[0] == "" {
		return "", fmt.Errorf("%q: cannot derive collection from empty subject: %w", s, errs.ErrInvalidSubjectFormat)
	}
	return segs[0], nil
}

// splitSegments validates raw against the grammar and returns its
// '/'-separated segments. It rejects the empty string, leading/trailing
// separators, consecutive separators, and any segment containing a
// disallowed character (underscore, space, colon, ...).
func splitSegments(raw string) ([]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty subject: %w", errs.ErrInvalidSubjectFormat)
	}
	if strings.HasPrefix(raw, "/") || strings.HasSuffix(raw, "/") {
		return nil, fmt.Errorf("%q: leading or trailing separator: %w", raw, errs.ErrInvalidSubjectFormat)
	}
	segs := strings.Split(raw, "/")
	for _, seg := range segs {
		if !segmentPattern.MatchString(seg) {
			return nil, fmt.Errorf("%q: invalid segment %q: %w", raw, seg, errs.ErrInvalidSubjectFormat)
		}
	}
	return segs, nil
}
