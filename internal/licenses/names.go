package licenses

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// KeyNamespace is the UUIDv5 namespace for license keys. Changing it changes
// every key ever handed out, so it is fixed here rather than configured.
var KeyNamespace = uuid.MustParse("6f1c3a52-7d44-4b8e-9a0e-2f5b8c1d9e37")

// NormalizeName trims surrounding whitespace and title-cases s, so
// " antioquia" and "ANTIOQUIA " both become "Antioquia".
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// cases.Caser keeps state between calls and is not safe for concurrent use.
	return cases.Title(language.Spanish).String(s)
}

// KeyFor derives the stable key of a (department, municipality) pair. Both
// names are expected to be normalized already.
func KeyFor(department, municipality string) uuid.UUID {
	canon := strings.ToLower(department) + "|" + strings.ToLower(municipality)
	return uuid.NewSHA1(KeyNamespace, []byte("licencia:"+canon))
}
