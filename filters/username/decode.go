package username

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var (
	ErrMalformedBase64 = errors.New("malformed base64")
	ErrInvalidUTF8     = errors.New("decoded value is not valid utf-8")
)

// Decode decodes a standard, padded base64 value (RFC 4648) and checks that the result is UTF-8 text.
// Every failure is marked with ErrMalformedBase64 or ErrInvalidUTF8.
func Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "decoding base64"), ErrMalformedBase64)
	}
	if !utf8.Valid(raw) {
		return "", errors.WithStack(ErrInvalidUTF8)
	}
	return string(raw), nil
}
