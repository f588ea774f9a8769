package redact_test

import (
	"strings"
	"testing"

	"github.com/shpitdev/catalog-ark-enricher/internal/redact"
)

func TestSecrets(t *testing.T) {
	cases := []struct {
		name string
		in   string
		bad  string
	}{
		{name: "bearer", in: "Authorization: Bearer abc.def.ghi", bad: "abc.def.ghi"},
		{name: "session_header", in: "X-ArchivesSpace-Session: 9f8e7d", bad: "9f8e7d"},
		{name: "session_json", in: `{"session":"cafebabe","user":{}}`, bad: "cafebabe"},
		{name: "login_url", in: "POST /users/admin/login?password=hunter2&expiring=false", bad: "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := redact.Secrets(tc.in)
			if strings.Contains(got, tc.bad) {
				t.Fatalf("secret %q leaked in %q", tc.bad, got)
			}
		})
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	in := strings.Repeat("é", 10)
	got := redact.Truncate(in, 5)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	if strings.ContainsRune(got, '�') {
		t.Fatalf("truncation split a rune: %q", got)
	}
}

func TestTruncateCollapsesNewlines(t *testing.T) {
	got := redact.Truncate("line one\nline two\r\n", 0)
	if got != "line one line two" {
		t.Fatalf("unexpected output: %q", got)
	}
}
