// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/stampvc/services/versioning/chronology"
	"github.com/AleutianAI/stampvc/services/versioning/stamp"
)

// ErrPathCycle is returned when path origins form a cycle.
var ErrPathCycle = errors.New("path origins form a cycle")

// Relation is the order between two stamps under a coordinate.
type Relation uint8

const (
	RelationBefore Relation = iota
	RelationAfter
	RelationEqual
	RelationContradiction
	RelationUnreachable
)

// String returns the relation name.
func (r Relation) String() string {
	switch r {
	case RelationBefore:
		return "BEFORE"
	case RelationAfter:
		return "AFTER"
	case RelationEqual:
		return "EQUAL"
	case RelationContradiction:
		return "CONTRADICTION"
	default:
		return "UNREACHABLE"
	}
}

// StampSource resolves stamp sequences. *stamp.Registry satisfies it.
type StampSource interface {
	Stamp(seq int32) (stamp.Stamp, error)
}

// segment is the visible part of one path.
type segment struct {
	end       int64
	ancestors map[int32]struct{}
}

// Calculator answers visibility and ordering questions for one coordinate.
//
// # Description
//
// Path segments are computed once at construction: the coordinate's path is
// visible up to the coordinate time, and every origin path (transitively) up
// to the time of the origin position. When a path is reachable through more
// than one origin, the latest origin time wins.
//
// # Thread Safety
//
// Immutable after construction; all methods are safe for concurrent use.
type Calculator struct {
	coord    StampCoordinate
	segments map[int32]*segment
	stamps   StampSource
}

// NewCalculator precomputes the path segments for coord.
//
// # Inputs
//
//   - coord: The view to compute.
//   - paths: Path definitions. Paths it does not know have no origins.
//   - stamps: Resolves stamp sequences.
//
// # Outputs
//
//   - *Calculator: Ready-to-use calculator.
//   - error: ErrPathCycle if origins are cyclic.
func NewCalculator(coord StampCoordinate, paths PathProvider, stamps StampSource) (*Calculator, error) {
	c := &Calculator{
		coord:    coord,
		segments: make(map[int32]*segment),
		stamps:   stamps,
	}
	ancestors := make(map[int32]map[int32]struct{})
	if _, err := c.ancestorsOf(coord.Position.PathNid, paths, ancestors, map[int32]bool{}); err != nil {
		return nil, err
	}
	c.extend(coord.Position.PathNid, coord.Position.Time, paths, ancestors)
	return c, nil
}

func (c *Calculator) ancestorsOf(pathNid int32, paths PathProvider, memo map[int32]map[int32]struct{}, visiting map[int32]bool) (map[int32]struct{}, error) {
	if a, ok := memo[pathNid]; ok {
		return a, nil
	}
	if visiting[pathNid] {
		return nil, fmt.Errorf("%w: path %d", ErrPathCycle, pathNid)
	}
	visiting[pathNid] = true
	defer delete(visiting, pathNid)

	out := make(map[int32]struct{})
	if sp, ok := paths.Path(pathNid); ok {
		for _, o := range sp.Origins {
			out[o.PathNid] = struct{}{}
			up, err := c.ancestorsOf(o.PathNid, paths, memo, visiting)
			if err != nil {
				return nil, err
			}
			for p := range up {
				out[p] = struct{}{}
			}
		}
	}
	memo[pathNid] = out
	return out, nil
}

func (c *Calculator) extend(pathNid int32, end int64, paths PathProvider, ancestors map[int32]map[int32]struct{}) {
	if seg, ok := c.segments[pathNid]; ok {
		if end <= seg.end {
			return
		}
		seg.end = end
	} else {
		c.segments[pathNid] = &segment{end: end, ancestors: ancestors[pathNid]}
	}
	if sp, ok := paths.Path(pathNid); ok {
		for _, o := range sp.Origins {
			c.extend(o.PathNid, min(o.Time, end), paths, ancestors)
		}
	}
}

// Coordinate returns the coordinate the calculator was built for.
func (c *Calculator) Coordinate() StampCoordinate {
	return c.coord
}

// OnRoute reports whether seq is visible: committed, on a visible path
// segment at or before its end, and in an allowed module.
func (c *Calculator) OnRoute(seq int32) bool {
	s, err := c.stamps.Stamp(seq)
	if err != nil {
		return false
	}
	return c.onRoute(s)
}

func (c *Calculator) onRoute(s stamp.Stamp) bool {
	if s.IsUncommitted() || s.IsCanceled() {
		return false
	}
	seg, ok := c.segments[s.PathNid]
	if !ok || s.Time > seg.end {
		return false
	}
	return c.coord.ModuleAllowed(s.ModuleNid)
}

// Relation orders a relative to b.
func (c *Calculator) Relation(a, b int32) Relation {
	sa, errA := c.stamps.Stamp(a)
	sb, errB := c.stamps.Stamp(b)
	if errA != nil || errB != nil || !c.onRoute(sa) || !c.onRoute(sb) {
		return RelationUnreachable
	}
	if a == b || sa == sb {
		return RelationEqual
	}

	if c.coord.Precedence == PrecedencePath && sa.PathNid != sb.PathNid {
		switch {
		case c.inherits(sb.PathNid, sa.PathNid):
			return RelationBefore
		case c.inherits(sa.PathNid, sb.PathNid):
			return RelationAfter
		default:
			return RelationContradiction
		}
	}

	switch {
	case sa.Time < sb.Time:
		return RelationBefore
	case sa.Time > sb.Time:
		return RelationAfter
	default:
		return RelationContradiction
	}
}

// inherits reports whether path descends from ancestor.
func (c *Calculator) inherits(path, ancestor int32) bool {
	seg, ok := c.segments[path]
	if !ok {
		return false
	}
	_, ok = seg.ancestors[ancestor]
	return ok
}

// LatestStamps returns the latest visible stamps among candidates.
//
// # Description
//
// Candidates off the route are dropped. The rest are grouped by module and
// each group keeps its maximal elements: stamps that come before no other
// stamp of the group. Several stamps survive when modules conflict or when
// a group holds a contradiction. Use ResolveModulePreference to pick one.
//
// # Outputs
//
//   - []int32: Surviving sequences, ascending. Empty if none are visible.
func (c *Calculator) LatestStamps(candidates []int32) []int32 {
	byModule := make(map[int32][]int32)
	seen := make(map[int32]struct{}, len(candidates))
	for _, seq := range candidates {
		if _, dup := seen[seq]; dup {
			continue
		}
		seen[seq] = struct{}{}
		s, err := c.stamps.Stamp(seq)
		if err != nil || !c.onRoute(s) {
			continue
		}
		byModule[s.ModuleNid] = append(byModule[s.ModuleNid], seq)
	}

	var out []int32
	for _, group := range byModule {
		for _, s := range group {
			dominated := false
			for _, t := range group {
				if s != t && c.Relation(s, t) == RelationBefore {
					dominated = true
					break
				}
			}
			if !dominated {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}

// ResolveModulePreference picks one stamp from the output of LatestStamps.
//
// The stamp whose module ranks first in the coordinate's module preference
// wins. Unlisted modules rank last; ties go to the most recent time, then
// the highest sequence.
func (c *Calculator) ResolveModulePreference(latest []int32) (int32, bool) {
	rank := func(moduleNid int32) int {
		if i := slices.Index(c.coord.ModulePreference, moduleNid); i >= 0 {
			return i
		}
		return len(c.coord.ModulePreference)
	}

	var (
		best      int32
		bestStamp stamp.Stamp
		found     bool
	)
	for _, seq := range latest {
		s, err := c.stamps.Stamp(seq)
		if err != nil {
			continue
		}
		if !found {
			best, bestStamp, found = seq, s, true
			continue
		}
		rs, rb := rank(s.ModuleNid), rank(bestStamp.ModuleNid)
		if rs < rb || (rs == rb && (s.Time > bestStamp.Time || (s.Time == bestStamp.Time && seq > best))) {
			best, bestStamp = seq, s
		}
	}
	return best, found
}

// Resolve returns the single latest stamp among candidates.
func (c *Calculator) Resolve(candidates []int32) (int32, stamp.Stamp, bool) {
	seq, ok := c.ResolveModulePreference(c.LatestStamps(candidates))
	if !ok {
		return 0, stamp.Stamp{}, false
	}
	s, err := c.stamps.Stamp(seq)
	if err != nil {
		return 0, stamp.Stamp{}, false
	}
	return seq, s, true
}

// Latest is the latest state of one chronology under a coordinate.
type Latest struct {
	// Versions holds every latest version; more than one means a conflict.
	Versions []chronology.Version

	// Resolved is the version picked by module preference.
	Resolved chronology.Version
	Stamp    stamp.Stamp

	// Visible reports whether Resolved's status is allowed by the
	// coordinate.
	Visible bool
}

// IsContradiction reports whether more than one version is latest.
func (l Latest) IsContradiction() bool { return len(l.Versions) > 1 }

// LatestVersion resolves the latest version of c. It returns false when no
// version is on the route.
func (c *Calculator) LatestVersion(chr *chronology.Chronology) (Latest, bool) {
	latest := c.LatestStamps(chr.StampSequences())
	if len(latest) == 0 {
		return Latest{}, false
	}
	resolved, ok := c.ResolveModulePreference(latest)
	if !ok {
		return Latest{}, false
	}

	var out Latest
	for _, seq := range latest {
		if v, ok := chr.Version(seq); ok {
			out.Versions = append(out.Versions, v)
		}
	}
	out.Resolved, _ = chr.Version(resolved)
	out.Stamp, _ = c.stamps.Stamp(resolved)
	out.Visible = c.coord.StatusAllowed(out.Stamp.Status)
	return out, true
}
