package adapter

import (
	"errors"
	"strings"
	"testing"

	kit "surveybot/internal/transport"
)

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"blocked", errors.New("telegram: Forbidden: bot was blocked by the user (403)"), kit.ErrBlocked},
		{"deactivated", errors.New("telegram: Forbidden: user is deactivated (403)"), kit.ErrBlocked},
		{"bad request", errors.New("telegram: Bad Request: chat not found (400)"), kit.ErrBadRequest},
		{"other", errors.New("dial tcp: i/o timeout"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyErr(tc.in)
			if tc.in == nil {
				if got != nil {
					t.Fatalf("got %v", got)
				}
				return
			}
			if tc.want == nil {
				if got != tc.in {
					t.Fatalf("unclassified error must pass through, got %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %v", got)
	}

	long := strings.Repeat("line of text\n", 50)
	chunks := splitTelegramText(long, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
		// Newline-preferring split keeps lines whole.
		if strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk starts with newline: %q", c)
		}
	}
	if strings.Join(strings.Fields(strings.Join(chunks, "\n")), "") !=
		strings.Join(strings.Fields(long), "") {
		t.Fatalf("content lost while splitting")
	}
}
