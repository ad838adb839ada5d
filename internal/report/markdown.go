package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pooltrace-server/internal/domain"
)

const timeLayout = "2006-01-02T15:04:05"

// WriteMarkdownExport renders the four relations of a snapshot as Markdown
// tables, one section per relation.
func WriteMarkdownExport(w io.Writer, title string, snap domain.Snapshot) error {
	pw := &printer{w: w}
	pw.printf("# Database export: %s\n\n", title)

	samples := make([][]string, 0, len(snap.Samples))
	for _, s := range snap.Samples {
		samples = append(samples, []string{s.ID, s.PatientID, s.SiteID, s.CollectedAt.Format(timeLayout)})
	}
	pw.table("samples", []string{"sample_id", "patient_id", "site_id", "collected_at"}, samples)

	pools := make([][]string, 0, len(snap.Pools))
	for _, p := range snap.Pools {
		notes := ""
		if p.Notes != nil {
			notes = *p.Notes
		}
		pools = append(pools, []string{p.ID, p.CreatedAt.Format(timeLayout), p.Strategy, notes})
	}
	pw.table("pools", []string{"pool_id", "created_at", "pool_strategy", "notes"}, pools)

	members := make([][]string, 0, len(snap.Memberships))
	for _, m := range snap.Memberships {
		members = append(members, []string{m.PoolID, m.SampleID})
	}
	pw.table("pool_members", []string{"pool_id", "sample_id"}, members)

	tests := make([][]string, 0, len(snap.Tests))
	for _, t := range snap.Tests {
		ct := ""
		if t.CtValue != nil {
			ct = strconv.FormatFloat(*t.CtValue, 'f', -1, 64)
		}
		tests = append(tests, []string{
			t.ID, string(t.SubjectKind), t.SubjectID, t.RunID, string(t.Result), ct,
			t.TestedAt.Format(timeLayout), boolFlag(t.ReflexTriggered),
		})
	}
	pw.table("tests", []string{"test_id", "entity_type", "entity_id", "run_id", "result", "ct_value", "tested_at", "reflex_triggered"}, tests)

	return pw.err
}

// ExportName returns the object name used for an export taken at t.
func ExportName(t time.Time) string {
	return fmt.Sprintf("db_export_%s.md", t.UTC().Format("20060102T150405Z"))
}

func (p *printer) table(name string, headers []string, rows [][]string) {
	p.printf("## %s\n\n", name)
	if len(rows) == 0 {
		p.printf("*(table empty)*\n\n")
		return
	}
	t := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		Rows(rows...)
	p.printf("%s\n\n", t.String())
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
