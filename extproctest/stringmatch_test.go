package extproctest_test

import (
	"testing"

	"github.com/getyourguide/extproc-username/extproctest"
	"github.com/stretchr/testify/require"
)

func TestStringMatch(t *testing.T) {
	ptr := func(s string) *string { return &s }
	yes, no := true, false

	for _, tt := range []struct {
		name    string
		match   extproctest.StringMatch
		value   string
		present bool
		want    bool
	}{
		{name: "exact", match: extproctest.StringMatch{Exact: ptr("Alice")}, value: "Alice", present: true, want: true},
		{name: "exact mismatch", match: extproctest.StringMatch{Exact: ptr("Alice")}, value: "Bob", present: true},
		{name: "exact empty value", match: extproctest.StringMatch{Exact: ptr("")}, present: true, want: true},
		{name: "exact not present", match: extproctest.StringMatch{Exact: ptr("")}},
		{name: "absent", match: extproctest.StringMatch{Absent: &yes}, want: true},
		{name: "absent but present", match: extproctest.StringMatch{Absent: &yes}, present: true},
		{name: "present", match: extproctest.StringMatch{Absent: &no}, present: true, want: true},
		{name: "regex", match: extproctest.StringMatch{Regex: ptr("^Zo. ")}, value: "Zoë Saldaña", present: true, want: true},
		{name: "no matcher", match: extproctest.StringMatch{}, value: "Alice", present: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.match.Match(tt.value, tt.present))
		})
	}
}
