package security

import (
	"strings"
	"testing"
)

func TestSanitizeTitle(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Ebook", "Ebook"},
		{"trims", "  Ebook  ", "Ebook"},
		{"strips tags", "<b>Great</b> Ebook", "Great Ebook"},
		{"drops script", "<script>alert(1)</script>Ebook", "Ebook"},
		{"keeps ampersand", "Tips & Tricks", "Tips & Tricks"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeTitle(tt.in); got != tt.want {
				t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeDescription_AllowedTags(t *testing.T) {
	s := NewContentSanitizer()
	in := "<p>Chapter <strong>one</strong> and <em>two</em></p><ul><li>a</li></ul><br>"
	got := s.SanitizeDescription(in)
	for _, tag := range []string{"<p>", "<strong>", "<em>", "<ul>", "<li>", "<br"} {
		if !strings.Contains(got, tag) {
			t.Errorf("expected %s to be kept, got %q", tag, got)
		}
	}
}

func TestSanitizeDescription_ForbiddenContent(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name      string
		in        string
		forbidden string
	}{
		{"script", `<p>x</p><script>alert(1)</script>`, "<script"},
		{"iframe", `<iframe src="https://evil.example.com"></iframe>`, "<iframe"},
		{"style", `<style>body{}</style>`, "<style"},
		{"onclick", `<p onclick="alert(1)">x</p>`, "onclick"},
		{"img", `<img src="https://example.com/a.png">`, "<img"},
		{"javascript link", `<a href="javascript:alert(1)">x</a>`, "javascript:"},
		{"http link", `<a href="http://example.com">x</a>`, "http://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeDescription(tt.in); strings.Contains(got, tt.forbidden) {
				t.Errorf("SanitizeDescription(%q) = %q, must not contain %q", tt.in, got, tt.forbidden)
			}
		})
	}
}

func TestSanitizeDescription_AnchorAttributes(t *testing.T) {
	s := NewContentSanitizer()
	got := s.SanitizeDescription(`<a href="https://example.com/guide">guide</a>`)
	for _, want := range []string{`href="https://example.com/guide"`, `target="_blank"`, "noopener", "noreferrer"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}
}

func TestSanitizeDescription_Idempotent(t *testing.T) {
	s := NewContentSanitizer()
	in := `<p>Read <a href="https://example.com">this</a></p><script>x</script>`
	once := s.SanitizeDescription(in)
	if twice := s.SanitizeDescription(once); twice != once {
		t.Errorf("not idempotent:\n once: %q\ntwice: %q", once, twice)
	}
}

func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}
