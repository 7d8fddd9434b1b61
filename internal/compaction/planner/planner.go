// Package planner turns a partition's live file listing into compaction
// jobs. Planning is pure: it reads nothing and writes nothing, so a plan can
// be recomputed from a fresh catalog snapshot at any time and thrown away
// just as cheaply.
package planner

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
)

// Config bounds the shape of the jobs a planner emits.
type Config struct {
	// MaxJobBytes caps the byte sum of a job's inputs. A single file larger
	// than the cap still becomes its own degenerate job so oversized files
	// keep moving through the level ladder.
	MaxJobBytes int64

	// MaxFilesPerJob caps how many inputs one job may merge.
	MaxFilesPerJob int

	// MaxJobTimeRange forces a job split once the accumulated input time
	// range exceeds this span. Zero disables the bound.
	MaxJobTimeRange time.Duration

	// PromotionThreshold is the minimum input byte sum for a job's outputs
	// to be promoted to the next level. Smaller jobs rewrite at the highest
	// input level instead, so many tiny merges do not pollute higher levels
	// with files that would immediately need compacting again.
	PromotionThreshold int64
}

// DefaultConfig returns planning bounds suitable for most deployments.
func DefaultConfig() Config {
	return Config{
		MaxJobBytes:        512 * 1024 * 1024,
		MaxFilesPerJob:     10,
		MaxJobTimeRange:    24 * time.Hour,
		PromotionThreshold: 128 * 1024 * 1024,
	}
}

// Job is one unit of compaction work: an ordered set of input files to be
// merged, deduplicated, and rewritten at OutputLevel. Input files appear in
// exactly one job per planning pass.
type Job struct {
	PartitionID int64
	TableID     int64

	// Inputs are ordered by MinTime, ties by commit sequence.
	Inputs []catalog.File

	// OutputLevel is the level every output file of this job is written at.
	// It is never below the highest input level.
	OutputLevel catalog.Level

	// InputBytes is the byte sum of the inputs. It sizes the memory
	// reservation and the output split.
	InputBytes int64

	// InputRows is the row sum of the inputs, an upper bound on the rows
	// the job can produce.
	InputRows int64
}

// InputIDs returns the catalog ids of the job's inputs, in input order.
func (j Job) InputIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(j.Inputs))
	for i, f := range j.Inputs {
		ids[i] = f.ID
	}
	return ids
}

// TimeRange returns the inclusive time bounds spanned by the job's inputs.
func (j Job) TimeRange() (minTime, maxTime int64) {
	for i, f := range j.Inputs {
		if i == 0 || f.MinTime < minTime {
			minTime = f.MinTime
		}
		if i == 0 || f.MaxTime > maxTime {
			maxTime = f.MaxTime
		}
	}
	return minTime, maxTime
}

// Planner batches live files into jobs under the configured bounds.
type Planner struct {
	cfg Config
}

// New creates a planner. Zero config fields fall back to defaults, except
// MaxJobTimeRange where zero keeps the time bound disabled.
func New(cfg Config) *Planner {
	def := DefaultConfig()
	if cfg.MaxJobBytes <= 0 {
		cfg.MaxJobBytes = def.MaxJobBytes
	}
	if cfg.MaxFilesPerJob <= 0 {
		cfg.MaxFilesPerJob = def.MaxFilesPerJob
	}
	if cfg.PromotionThreshold < 0 {
		cfg.PromotionThreshold = def.PromotionThreshold
	}
	return &Planner{cfg: cfg}
}

// Plan batches the partition's files at or below target into jobs. The
// target is the output level being built: a hot pass targets level 1 and
// consumes level-0 files together with the level-1 files they overlap, a
// cold pass targets the maximum level and consumes everything below it.
//
// Files are taken in MinTime order and accumulated greedily until adding the
// next file would exceed the byte cap, the file-count cap, or the time-range
// bound; the job is then closed and the next one starts at that file. A file
// whose time range overlaps the accumulated one is never split off, whatever
// the bounds say: the jobs of one pass must stay disjoint in time or their
// same-level outputs would overlap. Taking every file at or below the target
// into some job of the pass is what keeps the rewritten level free of
// overlap with files the pass did not touch.
func (p *Planner) Plan(partition catalog.Partition, files []catalog.File, target catalog.Level) []Job {
	return p.plan(partition, files, target, false)
}

// PlanCold is Plan with the promotion threshold suspended, targeting the
// maximum level. Cold partitions get their stragglers pushed all the way up
// even when the accumulated bytes are tiny; otherwise a lone small file
// could never leave level zero.
func (p *Planner) PlanCold(partition catalog.Partition, files []catalog.File) []Job {
	return p.plan(partition, files, catalog.LevelMax, true)
}

func (p *Planner) plan(partition catalog.Partition, files []catalog.File, target catalog.Level, forcePromote bool) []Job {
	eligible := make([]catalog.File, 0, len(files))
	for _, f := range files {
		if f.Level <= target {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].MinTime != eligible[j].MinTime {
			return eligible[i].MinTime < eligible[j].MinTime
		}
		return eligible[i].Seq < eligible[j].Seq
	})

	var (
		jobs           []Job
		cur            []catalog.File
		curBytes       int64
		curRows        int64
		curMin, curMax int64
	)

	flush := func() {
		if job, ok := p.buildJob(partition, cur, curBytes, curRows, target, forcePromote); ok {
			jobs = append(jobs, job)
		}
		cur, curBytes, curRows = nil, 0, 0
	}

	for _, f := range eligible {
		// A job boundary is only legal between time-disjoint files. Files
		// are sorted by MinTime, so f overlaps the accumulated range exactly
		// when its MinTime has not passed curMax; such a file stays in the
		// current job no matter which bound it bursts, the same concession
		// the degenerate oversized job already makes.
		if len(cur) > 0 && f.MinTime > curMax && p.exceedsBounds(cur, curBytes, curMin, curMax, f) {
			flush()
		}
		if len(cur) == 0 {
			curMin, curMax = f.MinTime, f.MaxTime
		} else {
			if f.MinTime < curMin {
				curMin = f.MinTime
			}
			if f.MaxTime > curMax {
				curMax = f.MaxTime
			}
		}
		cur = append(cur, f)
		curBytes += f.SizeBytes
		curRows += f.RowCount
	}
	flush()

	return jobs
}

// exceedsBounds reports whether adding next to the accumulated job would
// break one of the configured caps.
func (p *Planner) exceedsBounds(cur []catalog.File, curBytes, curMin, curMax int64, next catalog.File) bool {
	if curBytes+next.SizeBytes > p.cfg.MaxJobBytes {
		return true
	}
	if len(cur) >= p.cfg.MaxFilesPerJob {
		return true
	}
	if p.cfg.MaxJobTimeRange > 0 {
		lo, hi := curMin, curMax
		if next.MinTime < lo {
			lo = next.MinTime
		}
		if next.MaxTime > hi {
			hi = next.MaxTime
		}
		if hi-lo > int64(p.cfg.MaxJobTimeRange) {
			return true
		}
	}
	return false
}

// buildJob finalizes one accumulated batch. Jobs below the promotion
// threshold stay at their highest input level; a lone file that would be
// rewritten at its own level is dropped as a no-op.
func (p *Planner) buildJob(partition catalog.Partition, inputs []catalog.File, totalBytes, totalRows int64, target catalog.Level, forcePromote bool) (Job, bool) {
	if len(inputs) == 0 {
		return Job{}, false
	}

	outputLevel := target
	if !forcePromote && p.cfg.PromotionThreshold > 0 && totalBytes < p.cfg.PromotionThreshold {
		outputLevel = maxLevel(inputs)
	}

	if len(inputs) == 1 && inputs[0].Level == outputLevel {
		return Job{}, false
	}

	return Job{
		PartitionID: partition.ID,
		TableID:     partition.TableID,
		Inputs:      inputs,
		OutputLevel: outputLevel,
		InputBytes:  totalBytes,
		InputRows:   totalRows,
	}, true
}

func maxLevel(files []catalog.File) catalog.Level {
	level := files[0].Level
	for _, f := range files[1:] {
		if f.Level > level {
			level = f.Level
		}
	}
	return level
}
