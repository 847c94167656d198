package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"
)

// ReportFormat specifies the output format for verification reports.
type ReportFormat string

const (
	FormatText     ReportFormat = "text"
	FormatJSON     ReportFormat = "json"
	FormatMarkdown ReportFormat = "markdown"
)

// ParseFormat parses a report format name.
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("verify: unknown report format %q", s)
	}
}

// Report summarizes the verification of one or more artifacts.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Results     []*Result `json:"results"`
	Valid       int       `json:"valid"`
	Invalid     int       `json:"invalid"`
}

// NewReport tallies results.
func NewReport(results []*Result) *Report {
	r := &Report{GeneratedAt: time.Now().UTC(), Results: results}
	for _, res := range results {
		if res.Valid() {
			r.Valid++
		} else {
			r.Invalid++
		}
	}
	return r
}

// ExitCode is the exit code of the first failing artifact, or 0.
func (r *Report) ExitCode() int {
	for _, res := range r.Results {
		if !res.Valid() {
			return res.Status.ExitCode()
		}
	}
	return 0
}

// Write renders the report in format f.
func (r *Report) Write(w io.Writer, f ReportFormat) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatText, "":
		return r.writeText(w)
	case FormatMarkdown:
		return markdownTemplate.Execute(w, r)
	default:
		return fmt.Errorf("verify: unknown report format %q", f)
	}
}

func (r *Report) writeText(w io.Writer) error {
	for i, res := range r.Results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		name := res.Path
		if name == "" {
			name = "artifact"
		}
		fmt.Fprintf(w, "%s: %s\n", name, res.Status)
		if res.Reason != "" && !res.Valid() {
			fmt.Fprintf(w, "  Reason:        %s\n", res.Reason)
		}
		for _, st := range res.Stages {
			fmt.Fprintf(w, "  [%s] %-12s %s\n", stageSymbol(st.Status), st.Stage, st.Message)
		}
		if res.Fingerprint != "" {
			fmt.Fprintf(w, "  Signer:        %s\n", res.Fingerprint)
		}
		if res.DocumentHash != "" {
			fmt.Fprintf(w, "  Document:      %s\n", truncateHash(res.DocumentHash))
			fmt.Fprintf(w, "  Composition:   human %.2f%%, ai %.2f%%, cited %.2f%% of %d chars\n",
				res.HumanPct, res.AIPct, res.CitedPct, res.TotalChars)
		}
		if !res.SignedAt.IsZero() {
			fmt.Fprintf(w, "  Signed:        %s\n", res.SignedAt.Format(time.RFC3339))
		}
	}
	if len(r.Results) > 1 {
		fmt.Fprintf(w, "\n%d valid, %d invalid\n", r.Valid, r.Invalid)
	}
	return nil
}

var markdownTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"symbol": stageSymbol,
	"hash":   truncateHash,
	"pct":    func(f float64) string { return fmt.Sprintf("%.2f%%", f) },
}).Parse(`# Provenance Verification Report

{{.Valid}} valid, {{.Invalid}} invalid. Generated {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}.
{{range .Results}}
## {{if .Path}}{{.Path}}{{else}}artifact{{end}}

**{{.Status}}**{{if not .Valid}}: {{.Reason}}{{end}}

| Stage | Result | Detail |
|-------|--------|--------|
{{range .Stages}}| {{.Stage}} | {{symbol .Status}} | {{.Message}} |
{{end}}{{if .DocumentHash}}
| Property | Value |
|----------|-------|
| Signer | ` + "`{{.Fingerprint}}`" + ` |
| Document Hash | ` + "`{{hash .DocumentHash}}`" + ` |
| Human | {{pct .HumanPct}} |
| AI | {{pct .AIPct}} |
| Cited | {{pct .CitedPct}} |
| Characters | {{.TotalChars}} |
| Events | {{.EventCount}} |
{{end}}{{end}}`))

func stageSymbol(s StageStatus) string {
	switch s {
	case StagePassed:
		return "PASS"
	case StageFailed:
		return "FAIL"
	case StageSkipped:
		return "SKIP"
	default:
		return "?"
	}
}

func truncateHash(h string) string {
	if len(h) <= 23 {
		return h
	}
	return h[:23] + "..."
}
