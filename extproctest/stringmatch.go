package extproctest

import (
	"fmt"
	"regexp"
)

// StringMatch matches an optional string value, such as a property that may not have been written.
type StringMatch struct {
	Exact  *string `json:"exact"`
	Absent *bool   `json:"absent"`
	Regex  *string `json:"regex"`
}

func (sm *StringMatch) Match(value string, present bool) bool {
	switch {
	case sm.Absent != nil:
		return *sm.Absent != present
	case !present:
		return false
	case sm.Exact != nil:
		return value == *sm.Exact
	case sm.Regex != nil:
		r := regexp.MustCompile(*sm.Regex)
		return r.MatchString(value)
	}
	return false
}

func (sm *StringMatch) MatchType() string {
	switch {
	case sm.Exact != nil:
		return "exact"
	case sm.Absent != nil:
		return "absent"
	case sm.Regex != nil:
		return "regex"
	}
	return ""
}

func (sm *StringMatch) MatchValue() string {
	switch {
	case sm.Exact != nil:
		return *sm.Exact
	case sm.Absent != nil:
		return fmt.Sprintf("%t", *sm.Absent)
	case sm.Regex != nil:
		return *sm.Regex
	}
	return ""
}
