package poker

import (
	"math/rand"
	"strings"
)

const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 4
)

// randomCode returns a 4-character [0-9A-Z] session code. Uniqueness
// against live sessions is the registry's job, not this function's.
func randomCode() string {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.Intn(len(codeAlphabet))])
	}
	return b.String()
}

// CanonicalCode uppercases a client-supplied session code. Codes are
// case-insensitive on input and stored in their uppercase form.
func CanonicalCode(code string) string {
	return strings.ToUpper(code)
}
