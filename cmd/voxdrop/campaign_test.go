package main

import (
	"testing"

	"github.com/foxzi/voxdrop/internal/campaign"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-8", 9, "exactly-8"},
		{"0123456789abcdef", 8, "01234..."},
		{"abcdef", 2, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatProgress(t *testing.T) {
	got := formatProgress(campaign.Progress{Total: 7, Sent: 2, Failed: 1, Pending: 4})
	want := "2/7 sent, 1 failed, 4 pending"
	if got != want {
		t.Errorf("formatProgress() = %q, want %q", got, want)
	}
}

func TestActionCommands(t *testing.T) {
	for _, name := range []string{"pause", "resume", "cancel", "list", "show", "contacts"} {
		cmd, _, err := rootCmd.Find([]string{"campaign", name})
		if err != nil || cmd.Name() != name {
			t.Errorf("campaign %s command not registered", name)
		}
	}
}
