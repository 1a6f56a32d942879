package manager

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// VersionChanges is the outcome of a version diff. The three sets are sorted
// and pairwise disjoint.
type VersionChanges struct {
	ToStart  []int64
	ToReload []int64
	ToRetire []int64
}

// Empty reports whether nothing has to change.
func (c VersionChanges) Empty() bool {
	return len(c.ToStart) == 0 && len(c.ToReload) == 0 && len(c.ToRetire) == 0
}

// StatusLookup returns the live status of a registered version; ok is false
// when the version vanished after it was listed.
type StatusLookup func(version int64) (st VersionStatus, ok bool)

// DiffVersions compares the registered versions with the desired ones:
//
//   - ToStart:  desired versions that are not registered;
//   - ToReload: desired registered versions that will end unloaded (END or LOADING);
//   - ToRetire: registered versions no longer desired, except those that will
//     end unloaded anyway.
//
// Versions whose status lookup misses are left out and reported through the
// returned error (wrapping ErrDataRace); the changes are valid regardless.
func DiffVersions(registered []int64, lookup StatusLookup, desired []int64) (VersionChanges, error) {
	reg := lo.Uniq(registered)
	want := lo.Uniq(desired)
	var races []error
	willEndUnloaded := func(v int64) (bool, bool) {
		st, ok := lookup(v)
		if !ok {
			races = append(races, fmt.Errorf("%w: version %d", ErrDataRace, v))
			return false, false
		}
		return st.WillEndUnloaded(), true
	}

	toStart, _ := lo.Difference(want, reg)
	var toReload []int64
	for _, v := range lo.Intersect(reg, want) {
		if end, ok := willEndUnloaded(v); ok && end {
			toReload = append(toReload, v)
		}
	}
	var toRetire []int64
	stale, _ := lo.Difference(reg, want)
	for _, v := range stale {
		if end, ok := willEndUnloaded(v); ok && !end {
			toRetire = append(toRetire, v)
		}
	}
	return VersionChanges{
		ToStart:  sortInt64(toStart),
		ToReload: sortInt64(toReload),
		ToRetire: sortInt64(toRetire),
	}, errors.Join(races...)
}

// mergeReload adds extra versions to ToReload keeping it sorted and disjoint.
func (c *VersionChanges) mergeReload(extra []int64) {
	if len(extra) == 0 {
		return
	}
	c.ToReload = sortInt64(lo.Uniq(append(append([]int64(nil), c.ToReload...), extra...)))
}

func sortInt64(vs []int64) []int64 {
	if len(vs) == 0 {
		return nil
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}
