// Package report renders the traceability queries and the record export as
// plain text and Markdown.
package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/service"
)

const rule = "============================================================"

// QueryOptions selects the pool and sample used by the parameterized queries.
type QueryOptions struct {
	PoolID   string
	SampleID string
}

// DefaultQueryOptions matches the reference dataset.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{PoolID: "POOL_0001", SampleID: "SAMPLE_0042"}
}

// WriteQueries prints the five traceability queries as pipe-separated
// sections. Unknown pool or sample ids produce an empty section rather than
// an error.
func WriteQueries(w io.Writer, q *service.QueryService, opts QueryOptions) error {
	pw := &printer{w: w}

	members, err := q.PoolMembers(opts.PoolID)
	if err != nil && !errors.Is(err, domain.ErrUnknownPool) {
		return err
	}
	rows := make([][]string, 0, len(members))
	for _, sampleID := range members {
		rows = append(rows, []string{opts.PoolID, sampleID})
	}
	pw.section("A) Pool membership ("+opts.PoolID+")", []string{"pool_id", "sample_id"}, rows)

	rows = nil
	for _, p := range q.FlaggedPools() {
		rows = append(rows, []string{p.PoolID, string(p.Result), formatCt(p.CtValue), p.TestedAt.Format("2006-01-02T15:04:05")})
	}
	pw.section("B) Pools that triggered reflex testing", []string{"pool_id", "result", "ct_value", "tested_at"}, rows)

	rows = nil
	lineage, err := q.Lineage(opts.SampleID)
	switch {
	case err == nil:
		rows = append(rows, []string{
			lineage.SampleID, orNone(lineage.PoolID),
			string(lineage.PoolResult), formatCt(lineage.PoolCt),
			string(lineage.ReflexResult), formatCt(lineage.ReflexCt),
		})
	case !errors.Is(err, domain.ErrUnknownSample):
		return err
	}
	pw.section("C) Lineage for one sample ("+opts.SampleID+")",
		[]string{"sample_id", "pool_id", "pool_result", "pool_ct", "reflex_result", "reflex_ct"}, rows)

	rows = nil
	for _, m := range q.MissingReflexes() {
		rows = append(rows, []string{m.PoolID, m.SampleID})
	}
	pw.section("D) Exception detection (missing reflex)", []string{"pool_id", "sample_id"}, rows)

	rows = nil
	for _, s := range q.FinalStatuses() {
		rows = append(rows, []string{s.SampleID, s.PoolID, string(s.PoolResult), string(s.ReflexResult), string(s.Status)})
	}
	pw.section("E) Final status (derived)", []string{"sample_id", "pool_id", "pool_result", "reflex_result", "final_status"}, rows)

	return pw.err
}

// printer latches the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) section(title string, columns []string, rows [][]string) {
	p.printf("\n%s\n%s\n%s\n", rule, title, rule)
	if len(rows) == 0 {
		p.printf("(no rows)\n")
		return
	}
	p.printf("%s\n%s\n", strings.Join(columns, " | "), strings.Repeat("-", len(rule)))
	for _, row := range rows {
		p.printf("%s\n", strings.Join(row, " | "))
	}
	p.printf("(%d row(s))\n", len(rows))
}

func formatCt(ct *float64) string {
	if ct == nil {
		return "None"
	}
	return strconv.FormatFloat(*ct, 'f', -1, 64)
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
