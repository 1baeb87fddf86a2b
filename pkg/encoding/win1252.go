package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts WIN1252 bytes (the default charset of legacy Firebird ERP databases) to a
// UTF-8 string. Input that is already valid UTF-8 is returned as is.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}

// NormalizeValue decodes driver byte slices into text, leaving other values untouched
func NormalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return ToUTF8(b)
	}
	return v
}
