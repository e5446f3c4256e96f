package models

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRoundResultSummary(t *testing.T) {
	tests := []struct {
		name string
		res  RoundResult
		want string
	}{
		{
			name: "verdict summary wins",
			res:  RoundResult{RoleOutput: "long text", Verdict: &Verdict{Outcome: VerdictPass, Summary: "tests pass"}},
			want: "tests pass",
		},
		{
			name: "short output kept",
			res:  RoundResult{RoleOutput: "proposal"},
			want: "proposal",
		},
		{
			name: "long output cut",
			res:  RoundResult{RoleOutput: strings.Repeat("a", 300)},
			want: strings.Repeat("a", 280) + "...",
		},
		{
			name: "multi-byte output cut on a rune boundary",
			res:  RoundResult{RoleOutput: strings.Repeat("é", 300)},
			want: strings.Repeat("é", 280) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.res.Summary()
			if got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Summary() is not valid UTF-8: %q", got)
			}
		})
	}
}
