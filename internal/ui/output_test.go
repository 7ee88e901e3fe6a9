package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

// captureOutput redirects the color package's writer to a buffer and
// disables color codes so assertions see plain text.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prevOut := color.Output
	prevNoColor := color.NoColor
	color.Output = &buf
	color.NoColor = true
	defer func() {
		color.Output = prevOut
		color.NoColor = prevNoColor
	}()
	fn()
	return buf.String()
}

func TestCenter(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		width    int
		expected string
	}{
		{
			name:     "banner title shorter than width",
			text:     "Ledger Sync",
			width:    21,
			expected: "     Ledger Sync",
		},
		{
			name:     "text same as width",
			text:     "Ledger Sync",
			width:    11,
			expected: "Ledger Sync",
		},
		{
			name:     "long connection name wider than width",
			text:     "ibkr-taxable-household-joint",
			width:    10,
			expected: "ibkr-taxable-household-joint",
		},
		{
			name:     "even padding",
			text:     "Sync",
			width:    10,
			expected: "   Sync",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := center(tt.text, tt.width)
			if result != tt.expected {
				t.Errorf("center(%q, %d) = %q; want %q", tt.text, tt.width, result, tt.expected)
			}
		})
	}
}

func TestHeaderBanner(t *testing.T) {
	out := captureOutput(t, func() { Header("Ledger Sync") })

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Header printed %d lines; want 3:\n%s", len(lines), out)
	}
	rule := strings.Repeat("=", headerWidth)
	if lines[0] != rule || lines[2] != rule {
		t.Errorf("Header rules = %q / %q; want %d-char rules", lines[0], lines[2], headerWidth)
	}
	if !strings.Contains(lines[1], "Ledger Sync") {
		t.Errorf("Header middle line %q missing title", lines[1])
	}
}

func TestStepFormat(t *testing.T) {
	out := captureOutput(t, func() { Step(1, 2, "Syncing ibkr-taxable (OFX_OFFLINE, FULL)") })

	if !strings.HasPrefix(out, "[1/2] ") {
		t.Errorf("Step output %q missing [1/2] prefix", out)
	}
	if !strings.Contains(out, "Syncing ibkr-taxable") {
		t.Errorf("Step output %q missing step text", out)
	}
}

func TestRunSummaryLines(t *testing.T) {
	tests := []struct {
		name  string
		fn    func()
		want  string
		glyph string
	}{
		{
			name:  "success summary",
			fn:    func() { Success("%s", "SUCCESS: 12 new, 3 duplicates, 2 pages") },
			want:  "SUCCESS: 12 new, 3 duplicates, 2 pages",
			glyph: "✓",
		},
		{
			name:  "partial summary",
			fn:    func() { Warning("%s", "PARTIAL: 4 new, 1 parse failure") },
			want:  "PARTIAL: 4 new, 1 parse failure",
			glyph: "⚠",
		},
		{
			name:  "error summary",
			fn:    func() { Error("%s", "ERROR: no accounts discovered") },
			want:  "ERROR: no accounts discovered",
			glyph: "✗",
		},
		{
			name: "info line",
			fn:   func() { Info("window %s to %s", "2024-01-01", "2024-06-15") },
			want: "window 2024-01-01 to 2024-06-15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(t, tt.fn)
			if !strings.Contains(out, tt.want) {
				t.Errorf("output %q missing %q", out, tt.want)
			}
			if tt.glyph != "" && !strings.HasPrefix(out, tt.glyph) {
				t.Errorf("output %q missing %q prefix", out, tt.glyph)
			}
		})
	}
}

func TestInlineColorsCarryText(t *testing.T) {
	if got := BlueText("%s", "ibkr-taxable"); !strings.Contains(got, "ibkr-taxable") {
		t.Errorf("BlueText = %q; want it to carry the connection name", got)
	}
	// Connection names are user input; a % in one must come through
	// verbatim rather than being read as a verb.
	if got := BlueText("%s", "60%-equity"); !strings.Contains(got, "60%-equity") {
		t.Errorf("BlueText = %q; want literal percent preserved", got)
	}
	if got := YellowText("%d files skipped", 3); !strings.Contains(got, "3 files skipped") {
		t.Errorf("YellowText = %q; want formatted count", got)
	}
}
