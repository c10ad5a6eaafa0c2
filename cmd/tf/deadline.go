package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var deadlineParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDeadline accepts RFC 3339 or an English phrase relative to now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	r, err := deadlineParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deadline %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parse deadline %q: unrecognized date", s)
	}
	return r.Time.UTC(), nil
}
