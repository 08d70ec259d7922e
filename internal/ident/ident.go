// Package ident encodes and decodes the standardized identifiers used for
// contexts, batch contexts and distribution references.
//
// An identifier has the form
//
//	<prefix>_<unix-millis as 12 hex digits>_<source>_<12 hex random>
//
// so identifiers sharing a prefix sort lexically by creation instant, and the
// source tag and creation time can always be recovered with Decode.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known identifier prefixes.
const (
	PrefixContext   = "ctx"
	PrefixBatch     = "bat"
	PrefixReference = "ref"
)

const (
	timeWidth   = 12
	randomWidth = 12
)

// ErrInvalidID is returned when an identifier cannot be decoded.
var ErrInvalidID = errors.New("invalid identifier")

var (
	tagPattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	randomPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)
)

// ID is the decoded form of an identifier.
type ID struct {
	Prefix    string
	Source    string
	CreatedAt time.Time
	Random    string
}

// String re-encodes the identifier.
func (id ID) String() string {
	s, err := Encode(id.Prefix, id.Source, id.CreatedAt, id.Random)
	if err != nil {
		return ""
	}
	return s
}

// New builds a fresh identifier for prefix and source at time t.
func New(prefix, source string, t time.Time) (string, error) {
	return Encode(prefix, source, t, randomPart())
}

// MustNew is like New but panics on an invalid prefix or source.
// It is intended for constant tags known at compile time.
func MustNew(prefix, source string, t time.Time) string {
	id, err := New(prefix, source, t)
	if err != nil {
		panic(err)
	}
	return id
}

// Encode assembles an identifier from its parts.
func Encode(prefix, source string, t time.Time, random string) (string, error) {
	if !tagPattern.MatchString(prefix) {
		return "", fmt.Errorf("%w: bad prefix %q", ErrInvalidID, prefix)
	}
	if !tagPattern.MatchString(source) {
		return "", fmt.Errorf("%w: bad source %q", ErrInvalidID, source)
	}
	if !randomPattern.MatchString(random) {
		return "", fmt.Errorf("%w: bad random component %q", ErrInvalidID, random)
	}
	ms := t.UnixMilli()
	if ms < 0 {
		return "", fmt.Errorf("%w: time before epoch", ErrInvalidID)
	}

	return fmt.Sprintf("%s_%0*x_%s_%s", prefix, timeWidth, ms, source, random), nil
}

// Decode parses an identifier produced by Encode.
func Decode(s string) (ID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	prefix, ts, source, random := parts[0], parts[1], parts[2], parts[3]

	if !tagPattern.MatchString(prefix) || !tagPattern.MatchString(source) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	if len(ts) != timeWidth || !randomPattern.MatchString(random) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	ms, err := strconv.ParseInt(ts, 16, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}

	return ID{
		Prefix:    prefix,
		Source:    source,
		CreatedAt: time.UnixMilli(ms).UTC(),
		Random:    random,
	}, nil
}

// HasPrefix reports whether s decodes to an identifier with the given prefix.
func HasPrefix(s, prefix string) bool {
	id, err := Decode(s)
	return err == nil && id.Prefix == prefix
}

// ValidSource reports whether tag can be used as a source component.
func ValidSource(tag string) bool {
	return tagPattern.MatchString(tag)
}

func randomPart() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:randomWidth]
}
