package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts YYYY-MM-DD or natural language ("next friday",
// "in 3 days") relative to now and returns a YYYY-MM-DD date.
func parseDue(s string, now time.Time) (string, error) {
	if t, err := time.Parse(schema.DateLayout, s); err == nil {
		return t.Format(schema.DateLayout), nil
	}
	r, err := dueParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("cannot parse due date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("cannot parse due date %q", s)
	}
	return r.Time.Format(schema.DateLayout), nil
}
