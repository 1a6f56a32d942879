package manager

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"servingd/internal/config"
)

// VersionPolicy selects the versions to serve out of those available.
type VersionPolicy interface {
	Filter(available []int64) []int64
	String() string
}

// AllVersions serves every available version.
type AllVersions struct{}

func (AllVersions) Filter(available []int64) []int64 { return sortInt64(lo.Uniq(available)) }
func (AllVersions) String() string                   { return "all" }

// LatestVersions serves the N highest available versions.
type LatestVersions struct{ N int }

func (p LatestVersions) Filter(available []int64) []int64 {
	vs := lo.Uniq(available)
	sort.Slice(vs, func(i, j int) bool { return vs[i] > vs[j] })
	n := p.N
	if n <= 0 {
		n = 1
	}
	if len(vs) > n {
		vs = vs[:n]
	}
	return sortInt64(vs)
}

func (p LatestVersions) String() string { return fmt.Sprintf("latest(%d)", p.N) }

// SpecificVersions serves the listed versions that are available.
type SpecificVersions struct{ Versions []int64 }

func (p SpecificVersions) Filter(available []int64) []int64 {
	return sortInt64(lo.Intersect(lo.Uniq(p.Versions), available))
}

func (p SpecificVersions) String() string { return fmt.Sprintf("specific(%v)", p.Versions) }

// PolicyFromConfig maps the configured policy; nil means latest with one version.
func PolicyFromConfig(pc *config.VersionPolicyConfig) (VersionPolicy, error) {
	if pc == nil {
		return LatestVersions{N: 1}, nil
	}
	switch pc.Kind {
	case config.PolicyAll:
		return AllVersions{}, nil
	case config.PolicyLatest:
		return LatestVersions{N: pc.NumVersions}, nil
	case config.PolicySpecific:
		return SpecificVersions{Versions: append([]int64(nil), pc.Versions...)}, nil
	default:
		return nil, fmt.Errorf("unknown version policy kind %q", pc.Kind)
	}
}
