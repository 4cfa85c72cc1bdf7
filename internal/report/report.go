// Package report renders the outcome of a sync run for humans and scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/danielolaszy/taskflow/internal/reconcile"
	"github.com/danielolaszy/taskflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formats lists the accepted output formats.
var Formats = []string{FormatText, FormatJSON, FormatYAML}

// RepositoryReport is the serialized form of one repository result.
type RepositoryReport struct {
	Repository string             `json:"repository" yaml:"repository"`
	Status     string             `json:"status" yaml:"status"`
	ErrorKind  string             `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Record     *models.SyncRecord `json:"record,omitempty" yaml:"record,omitempty"`
}

// Report is the serialized form of a whole run.
type Report struct {
	DryRun       bool               `json:"dry_run" yaml:"dry_run"`
	Failed       int                `json:"failed" yaml:"failed"`
	Repositories []RepositoryReport `json:"repositories" yaml:"repositories"`
}

// Build converts a run summary into its serialized form.
func Build(summary *reconcile.Summary) Report {
	r := Report{DryRun: summary.DryRun, Repositories: make([]RepositoryReport, 0, len(summary.Results))}
	for _, res := range summary.Results {
		rr := RepositoryReport{Repository: res.Repository, Status: "ok", Record: res.Record}
		if res.Err != nil {
			rr.Status = "failed"
			rr.ErrorKind = reconcile.KindOf(res.Err)
			rr.Error = res.Err.Error()
			r.Failed++
		}
		r.Repositories = append(r.Repositories, rr)
	}
	return r
}

// Render writes summary to w in the given format.
func Render(w io.Writer, format string, summary *reconcile.Summary) error {
	switch format {
	case FormatText, "":
		return renderText(w, summary)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Build(summary))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(Build(summary)); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q, expected one of %s", format, strings.Join(Formats, ", "))
}

var outcomeLabels = []struct {
	outcome models.Outcome
	label   string
}{
	{models.OutcomeCreatedRemote, "created remotely"},
	{models.OutcomeCreatedLocal, "imported"},
	{models.OutcomeUpdatedRemote, "pushed"},
	{models.OutcomeUpdatedLocal, "pulled"},
	{models.OutcomeConflict, "conflicts resolved remotely"},
}

func renderText(w io.Writer, summary *reconcile.Summary) error {
	var b strings.Builder
	if summary.DryRun {
		b.WriteString("Dry run, nothing was changed.\n")
	}

	for _, res := range summary.Results {
		if res.Err != nil {
			fmt.Fprintf(&b, "\n%s: FAILED (%s)\n- %v\n", res.Repository, reconcile.KindOf(res.Err), res.Err)
			if res.Record != nil && len(res.Record.Outcomes) > 0 {
				fmt.Fprintf(&b, "- %d changes applied before the failure\n", len(res.Record.Outcomes))
			}
			continue
		}

		record := res.Record
		fmt.Fprintf(&b, "\n%s: %s\n", res.Repository, countLine(record))
		for _, o := range record.Outcomes {
			fmt.Fprintf(&b, "- %-15s %s %s\n", o.Outcome, issueRef(o.IssueNumber), o.Title)
		}
		for _, f := range record.Failures {
			fmt.Fprintf(&b, "- %-15s %s %s\n", "failed", issueRef(f.IssueNumber), f.Error)
		}
		if record.Attempts > 1 {
			fmt.Fprintf(&b, "- completed after %d attempts\n", record.Attempts)
		}
	}

	failed := len(summary.Failures())
	switch {
	case len(summary.Results) == 0:
		b.WriteString("No repositories to synchronize.\n")
	case failed == 0:
		fmt.Fprintf(&b, "\nSynchronized %d of %d repositories\n", len(summary.Results), len(summary.Results))
	default:
		fmt.Fprintf(&b, "\n%d of %d repositories failed\n", failed, len(summary.Results))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func countLine(record *models.SyncRecord) string {
	if record.Empty() {
		return "up to date"
	}
	var parts []string
	for _, l := range outcomeLabels {
		if n := record.Count(l.outcome); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, l.label))
		}
	}
	if n := len(record.Failures); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	return strings.Join(parts, ", ")
}

func issueRef(number int) string {
	if number == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", number)
}
