package grouping

import (
	"slices"

	"github.com/l0p7/slideforge/internal/runtime/slides"
)

// DayResolver names the day bucket a slide belongs to.
type DayResolver func(*slides.Slide) string

// Options plugs sheet naming and day resolution into Group.
type Options struct {
	GetSheetName func(sheetID string) string
	ResolveDay   DayResolver
}

// SheetGroup is the read-only grouping of one sheet. DayOrder lists the
// buckets by their earliest slide.
type SheetGroup struct {
	Name     string                     `json:"name"`
	Days     map[string][]*slides.Slide `json:"days"`
	DayOrder []string                   `json:"dayOrder"`
}

// Group partitions every sheet's slides into day buckets. Each bucket is
// ordered by UpdatedAt then ID, so the result does not depend on input order.
// Sheets are visited in id order and slides in bucket order, which keeps
// positional day labels stable.
func Group(bySheet map[string][]*slides.Slide, opts Options) map[string]SheetGroup {
	resolve := opts.ResolveDay
	if resolve == nil {
		resolve = NewResolver().Resolve
	}
	name := opts.GetSheetName
	if name == nil {
		name = func(id string) string { return id }
	}

	sheetIDs := make([]string, 0, len(bySheet))
	for id := range bySheet {
		sheetIDs = append(sheetIDs, id)
	}
	slices.Sort(sheetIDs)

	out := make(map[string]SheetGroup, len(sheetIDs))
	for _, id := range sheetIDs {
		ordered := slices.Clone(bySheet[id])
		ordered = slices.DeleteFunc(ordered, func(s *slides.Slide) bool { return s == nil })
		slices.SortStableFunc(ordered, slides.Compare)

		group := SheetGroup{Name: name(id), Days: make(map[string][]*slides.Slide)}
		for _, s := range ordered {
			day := resolve(s)
			if _, seen := group.Days[day]; !seen {
				group.DayOrder = append(group.DayOrder, day)
			}
			group.Days[day] = append(group.Days[day], s)
		}
		out[id] = group
	}
	return out
}
