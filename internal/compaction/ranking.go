package compaction

import (
	"fmt"
	"sort"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
)

// RankStrategy orders compaction candidates when more of them exist than one
// cycle may dispatch.
type RankStrategy string

const (
	// RankLastCompacted serves the partition that has waited longest since
	// its last committed compaction. Never-compacted partitions come first.
	RankLastCompacted RankStrategy = "last_compacted"

	// RankFileCount serves the partition with the most live files, which is
	// the one whose queries touch the most file overhead.
	RankFileCount RankStrategy = "file_count"

	// RankTotalBytes serves the largest partition by live bytes.
	RankTotalBytes RankStrategy = "total_bytes"
)

// ParseRankStrategy validates a strategy name from configuration.
func ParseRankStrategy(s string) (RankStrategy, error) {
	switch RankStrategy(s) {
	case RankLastCompacted, RankFileCount, RankTotalBytes:
		return RankStrategy(s), nil
	case "":
		return RankLastCompacted, nil
	default:
		return "", fmt.Errorf("unknown ranking strategy %q", s)
	}
}

// rankCandidates sorts candidates in place, most urgent first. Ties break on
// partition ID so a cycle's dispatch order is deterministic.
func rankCandidates(candidates []catalog.Candidate, strategy RankStrategy) {
	var less func(a, b catalog.Candidate) bool
	switch strategy {
	case RankFileCount:
		less = func(a, b catalog.Candidate) bool {
			if a.FileCount != b.FileCount {
				return a.FileCount > b.FileCount
			}
			return a.Partition.ID < b.Partition.ID
		}
	case RankTotalBytes:
		less = func(a, b catalog.Candidate) bool {
			if a.TotalBytes != b.TotalBytes {
				return a.TotalBytes > b.TotalBytes
			}
			return a.Partition.ID < b.Partition.ID
		}
	default:
		less = byLastCompacted
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
}

// byLastCompacted puts never-compacted partitions ahead of everything, then
// orders by oldest LastCompactedAt.
func byLastCompacted(a, b catalog.Candidate) bool {
	at, bt := a.Partition.LastCompactedAt, b.Partition.LastCompactedAt
	switch {
	case at == nil && bt != nil:
		return true
	case at != nil && bt == nil:
		return false
	case at != nil && bt != nil && !at.Equal(*bt):
		return at.Before(*bt)
	}
	return a.Partition.ID < b.Partition.ID
}
