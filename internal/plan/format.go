package plan

import (
	"fmt"
	"io"

	"deid/internal/domain"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
)

// FormatFindings writes a human-readable check report to w.
// If noColor is true, ANSI codes are suppressed.
func FormatFindings(w io.Writer, findings []domain.Finding, noColor bool) {
	c := func(code string) string {
		if noColor {
			return ""
		}
		return code
	}

	if len(findings) == 0 {
		fmt.Fprintf(w, "%s✓%s Plan is ready to migrate.\n", c(colorGreen), c(colorReset))
		return
	}

	var counts [3]int
	for _, f := range findings {
		counts[f.Severity]++
		mark, color := "i", colorCyan
		switch f.Severity {
		case domain.SeverityWarning:
			mark, color = "!", colorYellow
		case domain.SeverityFail:
			mark, color = "✗", colorRed
		}
		fmt.Fprintf(w, "  %s%s%s %s\n", c(color), mark, c(colorReset), f.Message)
		if f.SuggestedFix != "" {
			fmt.Fprintf(w, "      %sfix:%s %s\n", c(colorDim), c(colorReset), f.SuggestedFix)
		}
	}

	fmt.Fprintf(w, "\n%sCheck:%s %d failure(s), %d warning(s), %d info.",
		c(colorDim), c(colorReset), counts[domain.SeverityFail], counts[domain.SeverityWarning], counts[domain.SeverityInfo])
	if counts[domain.SeverityFail] > 0 {
		fmt.Fprintf(w, " %sMigration is blocked.%s", c(colorRed), c(colorReset))
	}
	fmt.Fprintln(w)
}

// FormatSuggestions writes the outcome of Suggest to w.
func FormatSuggestions(w io.Writer, res SuggestResult, noColor bool) {
	c := func(code string) string {
		if noColor {
			return ""
		}
		return code
	}
	for _, s := range res.Applied {
		fmt.Fprintf(w, "  %s~%s %s → %s %s(%s)%s\n",
			c(colorGreen), c(colorReset), s.Column, s.Decision, c(colorDim), s.Reason, c(colorReset))
	}
	for _, a := range res.Ambiguous {
		fmt.Fprintf(w, "  %s?%s %s left undecided: used with stores %v\n",
			c(colorYellow), c(colorReset), a.Column, a.Stores)
	}
	fmt.Fprintf(w, "\n%sSuggest:%s %d applied, %d ambiguous.\n",
		c(colorDim), c(colorReset), len(res.Applied), len(res.Ambiguous))
}
