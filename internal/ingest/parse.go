package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pooltrace-server/internal/domain"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime accepts RFC 3339 and the common naive layouts; naive values are
// taken as UTC.
func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

func parseTest(rows *table) (domain.Test, error) {
	test := domain.Test{
		ID:          rows.get("test_id"),
		SubjectKind: domain.SubjectKind(strings.ToUpper(rows.get("entity_type"))),
		SubjectID:   rows.get("entity_id"),
		RunID:       rows.get("run_id"),
	}
	if test.ID == "" {
		return test, rows.errorf("missing test_id")
	}
	if !test.SubjectKind.IsValid() {
		return test, rows.errorf("unrecognized entity_type %q", rows.get("entity_type"))
	}
	if test.SubjectID == "" {
		return test, rows.errorf("missing entity_id")
	}

	result, err := domain.ParseTestResult(strings.ToUpper(rows.get("result")))
	if err != nil {
		return test, rows.errorf("%v", err)
	}
	test.Result = result

	if raw := rows.get("ct_value"); raw != "" {
		ct, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return test, rows.errorf("unparseable ct_value %q", raw)
		}
		test.CtValue = &ct
	}

	testedAt, err := parseTime(rows.get("tested_at"))
	if err != nil {
		return test, rows.errorf("unparseable tested_at %q", rows.get("tested_at"))
	}
	test.TestedAt = testedAt

	test.ReflexTriggered = domain.ExpectsReflexTrigger(test.SubjectKind, test.Result)
	if rows.has("reflex_triggered") {
		if raw := rows.get("reflex_triggered"); raw != "" {
			flag, err := strconv.ParseBool(raw)
			if err != nil {
				return test, rows.errorf("unparseable reflex_triggered %q", raw)
			}
			test.ReflexTriggered = flag
		}
	}
	return test, nil
}
