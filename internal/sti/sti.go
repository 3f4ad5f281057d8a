// Package sti holds the per-infection incubation table and the window
// arithmetic the propagation engine runs on.
package sti

import (
	"strings"

	"github.com/veilhealth/exposure-service/internal/model"
)

// Recognized infection codes.
const (
	HIV       = "HIV"
	Syphilis  = "SYPHILIS"
	Gonorrhea = "GONORRHEA"
	Chlamydia = "CHLAMYDIA"
	HPV       = "HPV"
	Herpes    = "HERPES"
	Other     = "OTHER"
)

// DefaultIncubationDays applies to unrecognized codes and empty reports.
const DefaultIncubationDays = 30

// maxIncubationDays is the maximum plausible incubation per infection, in
// days. These drive how far a contact window reaches around an exposure.
var maxIncubationDays = map[string]int{
	HIV:       30,
	Syphilis:  90,
	Gonorrhea: 14,
	Chlamydia: 21,
	HPV:       180,
	Herpes:    21,
	Other:     30,
}

// IncubationDays returns the incubation period for one code. Lookup is
// case-insensitive; unknown codes fall back to the default.
func IncubationDays(code string) int {
	if d, ok := maxIncubationDays[strings.ToUpper(code)]; ok {
		return d
	}
	return DefaultIncubationDays
}

// EffectiveIncubationDays is the incubation for a whole report: the max
// across all reported infections, so the widest window wins.
func EffectiveIncubationDays(codes []string) int {
	days := 0
	for _, c := range codes {
		if d := IncubationDays(c); d > days {
			days = d
		}
	}
	if days == 0 {
		days = DefaultIncubationDays
	}
	return days
}

// Window computes the contact window around an anchor date: anchor ± the
// incubation span, clamped to the retention horizon on the left and the
// present on the right. Both bounds are inclusive ms epochs.
func Window(anchorMillis, nowMillis int64, incubationDays int) (start, end int64) {
	span := int64(incubationDays) * model.Day
	start = anchorMillis - span
	if floor := model.RetentionFloor(nowMillis); start < floor {
		start = floor
	}
	end = anchorMillis + span
	if end > nowMillis {
		end = nowMillis
	}
	return start, end
}

// Intersects reports whether two code lists share at least one infection,
// comparing case-insensitively.
func Intersects(a, b []string) bool {
	return len(Intersection(a, b)) > 0
}

// Intersection returns the codes present in both lists, uppercased, in
// first-list order without duplicates.
func Intersection(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, c := range b {
		inB[strings.ToUpper(c)] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(a))
	for _, c := range a {
		u := strings.ToUpper(c)
		if _, dup := seen[u]; dup {
			continue
		}
		if _, ok := inB[u]; ok {
			out = append(out, u)
			seen[u] = struct{}{}
		}
	}
	return out
}
