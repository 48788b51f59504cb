package security

import "testing"

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "unknown"},
		{"plain", "checkout", "checkout"},
		{"with extension", "checkout.db", "checkout.db"},
		{"path separators", "../../etc/passwd", "etc_passwd"},
		{"spaces collapsed", "my store db", "my_store_db"},
		{"repeated junk collapsed", "a///b", "a_b"},
		{"only junk", "///", "unknown"},
		{"unicode stripped", "café.db", "caf_.db"},
		{"leading dot trimmed", ".hidden", "hidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.input); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameLength(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := SanitizeFilename(string(long))
	if len(got) > 128 {
		t.Errorf("SanitizeFilename length = %d, want <= 128", len(got))
	}
}
