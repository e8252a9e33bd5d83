package cohort

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default names of the interval parameters substituted per sub-interval.
const (
	DefaultStartParam = "startDate"
	DefaultEndParam   = "endDate"
)

// Granularity is the size of the sub-intervals a period is split into.
type Granularity int

const (
	GranularityWeek Granularity = iota + 1
	GranularityMonth
	GranularityQuarter
)

var granularityNames = map[Granularity]string{
	GranularityWeek:    "week",
	GranularityMonth:   "month",
	GranularityQuarter: "quarter",
}

func (g Granularity) String() string {
	if name, ok := granularityNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

func (g Granularity) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// ParseGranularity maps "week", "month" or "quarter" to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for g, name := range granularityNames {
		if name == key {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown granularity %q", ErrInvalidInterval, s)
}

// Interval is an inclusive range of calendar dates.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval normalizes both ends to dates and rejects End before Start.
func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: DateValue(start).Date(), End: DateValue(end).Date()}
	if iv.End.Before(iv.Start) {
		return Interval{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidInterval,
			iv.End.Format(DateLayout), iv.Start.Format(DateLayout))
	}
	return iv, nil
}

func (iv Interval) String() string {
	return iv.Start.Format(DateLayout) + ".." + iv.End.Format(DateLayout)
}

// Split cuts the interval at calendar boundaries of g (weeks run from the
// interval start in 7-day steps). The result is contiguous, non-overlapping
// and covers the interval exactly; that invariant is checked before return.
func (iv Interval) Split(g Granularity) ([]Interval, error) {
	var parts []Interval
	cur := iv.Start
	for !cur.After(iv.End) {
		var end time.Time
		switch g {
		case GranularityWeek:
			end = cur.AddDate(0, 0, 6)
		case GranularityMonth:
			end = time.Date(cur.Year(), cur.Month()+1, 0, 0, 0, 0, 0, time.UTC)
		case GranularityQuarter:
			qEndMonth := ((int(cur.Month())-1)/3)*3 + 3
			end = time.Date(cur.Year(), time.Month(qEndMonth)+1, 0, 0, 0, 0, 0, time.UTC)
		default:
			return nil, fmt.Errorf("%w: unsupported granularity %s", ErrInvalidInterval, g)
		}
		if end.After(iv.End) {
			end = iv.End
		}
		parts = append(parts, Interval{Start: cur, End: end})
		cur = end.AddDate(0, 0, 1)
	}
	if err := checkCoverage(iv, parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func checkCoverage(iv Interval, parts []Interval) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: %s produced no sub-intervals", ErrInvalidInterval, iv)
	}
	if !parts[0].Start.Equal(iv.Start) || !parts[len(parts)-1].End.Equal(iv.End) {
		return fmt.Errorf("%w: sub-intervals do not span %s", ErrInvalidInterval, iv)
	}
	for i, p := range parts {
		if p.End.Before(p.Start) {
			return fmt.Errorf("%w: empty sub-interval %s", ErrInvalidInterval, p)
		}
		if i > 0 && !p.Start.Equal(parts[i-1].End.AddDate(0, 0, 1)) {
			return fmt.Errorf("%w: gap or overlap between %s and %s", ErrInvalidInterval, parts[i-1], p)
		}
	}
	return nil
}

// EvaluateOverSubIntervals evaluates node once per g-sized piece of iv,
// substituting each piece's bounds for startDate and endDate in baseEnv, and
// returns the union. Every piece goes through the run's cache.
func EvaluateOverSubIntervals(ctx context.Context, r *Run, node Node, baseEnv Env, iv Interval, g Granularity) (PatientSet, error) {
	if err := r.cancelled(); err != nil {
		return PatientSet{}, err
	}
	return r.overSubIntervals(ctx, node, baseEnv, iv, g, DefaultStartParam, DefaultEndParam)
}

func (r *Run) overSubIntervals(ctx context.Context, node Node, baseEnv Env, iv Interval, g Granularity, startParam, endParam string) (PatientSet, error) {
	parts, err := iv.Split(g)
	if err != nil {
		return PatientSet{}, &EvalError{NodeID: node.ID(), Err: err}
	}

	results := make([]PatientSet, len(parts))
	eg, egctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		i, part := i, part
		env := baseEnv.clone()
		env[startParam] = DateValue(part.Start)
		env[endParam] = DateValue(part.End)
		eg.Go(func() error {
			childEnv, err := restrict(node.ID(), node.Parameters(), env)
			if err != nil {
				return err
			}
			set, err := r.eval(egctx, node, childEnv)
			if err != nil {
				return err
			}
			results[i] = set
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return PatientSet{}, err
	}
	return UnionAll(results...), nil
}
