package domain

import (
	"slices"
)

// Resource names a logical, cluster-wide lockable identity.
type Resource string

const (
	ResourceCounter            Resource = "Counter"
	ResourceAggregatedCounter  Resource = "AggregatedCounter"
	ResourceLock               Resource = "Lock"
	ResourceCountersAggregator Resource = "CountersAggregator"
	ResourceExpirationManager  Resource = "ExpirationManager"
)

func (r Resource) String() string { return string(r) }

// NormalizeResources returns a sorted copy of resources with empty names and
// duplicates removed.
func NormalizeResources(resources []Resource) []Resource {
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
