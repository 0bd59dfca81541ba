package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"
)

// Slug normalizes a tool name into a filesystem- and identifier-safe
// form: lowercase, runs of non-alphanumerics collapsed to single
// underscores.
func Slug(name string) string {
	var b strings.Builder
	lastUnder := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnder = false
			continue
		}
		if !lastUnder {
			b.WriteByte('_')
			lastUnder = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// EntryID derives the content-addressed id for a spec plus its artifact
// source: the name slug joined with the first 12 hex digits of
// sha256(canonical spec JSON ∥ source). The same spec and source always
// map to the same id, so replayed promotions are idempotent.
func EntryID(spec Spec, source string) string {
	h := sha256.New()
	h.Write(canonicalSpecJSON(spec))
	h.Write([]byte(source))
	sum := h.Sum(nil)
	return Slug(spec.Name) + "-" + hex.EncodeToString(sum)[:12]
}

// canonicalSpecJSON marshals the spec deterministically: struct fields
// in declaration order, map keys sorted (encoding/json guarantees both).
func canonicalSpecJSON(spec Spec) []byte {
	raw, err := json.Marshal(spec)
	if err != nil {
		// Spec is plain data; marshal can only fail on exotic values
		// that the parsing gate never lets through.
		return []byte(spec.Name)
	}
	return raw
}
