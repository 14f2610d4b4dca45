package text

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "just words", "just words"},
		{"strips tags", "<p>Hello <b>world</b></p>", "Hello world"},
		{"br to newline", "line one<br/>line two", "line one\nline two"},
		{"br swallows surrounding breaks", "one\n<br>\n\ntwo", "one\ntwo"},
		{"entities", "Tom &amp; Jerry &gt; cartoons", "Tom & Jerry > cartoons"},
		{"collapses blank runs", "a\n\n\n\n\nb", "a\n\nb"},
		{"trims", "  <p>padded</p>  ", "padded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
