package encoding

import "testing"

func TestToUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, ""},
		{"ascii", []byte("ACME LTDA"), "ACME LTDA"},
		{"already utf8", []byte("São Paulo"), "São Paulo"},
		{"win1252 accents", []byte{'S', 0xE3, 'o', ' ', 'P', 'a', 'u', 'l', 'o'}, "São Paulo"},
		{"trailing char padding", []byte("CLIENTE   "), "CLIENTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToUTF8(tt.in); got != tt.want {
				t.Errorf("ToUTF8(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	if got := NormalizeValue([]byte{0xC7}); got != "Ç" {
		t.Errorf("NormalizeValue(0xC7) = %v, want Ç", got)
	}
	if got := NormalizeValue(int64(7)); got != int64(7) {
		t.Errorf("NormalizeValue(7) = %v, want 7", got)
	}
}
