// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate computes point-in-time views over stamped versions.
//
// A StampCoordinate names a position (path + time), the modules and
// statuses of interest, and how conflicts are ordered. A Calculator built
// from a coordinate decides which stamps are visible and which of them are
// latest. Paths inherit from their origins: a path sees its own stamps up
// to the coordinate time, plus each origin path's stamps up to the time the
// path branched from it.
package coordinate

import (
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/stampvc/services/versioning/stamp"
)

// StampPosition is a point on a path.
type StampPosition struct {
	Time    int64
	PathNid int32
}

// StampPath is a path and the positions it branched from.
type StampPath struct {
	PathNid int32
	Origins []StampPosition
}

// PathProvider looks up path definitions.
type PathProvider interface {
	Path(pathNid int32) (StampPath, bool)
}

// StaticPaths is an in-memory PathProvider.
type StaticPaths map[int32]StampPath

// Path implements PathProvider.
func (p StaticPaths) Path(pathNid int32) (StampPath, bool) {
	sp, ok := p[pathNid]
	return sp, ok
}

// Add registers path and returns p for chaining.
func (p StaticPaths) Add(path StampPath) StaticPaths {
	p[path.PathNid] = path
	return p
}

// Precedence orders stamps on different paths.
type Precedence uint8

const (
	// PrecedencePath orders stamps by path inheritance first: a stamp on an
	// origin path precedes every stamp on a path branched from it.
	PrecedencePath Precedence = iota

	// PrecedenceTime orders stamps by time alone.
	PrecedenceTime
)

// String returns the precedence name.
func (p Precedence) String() string {
	if p == PrecedenceTime {
		return "TIME"
	}
	return "PATH"
}

// StampCoordinate selects a view.
type StampCoordinate struct {
	Position StampPosition

	// AllowedStatuses are the statuses a resolved version may have to count
	// as visible. Empty means every status except CANCELED.
	AllowedStatuses []stamp.Status

	// ModuleNids restricts candidates to these modules. Empty means any.
	ModuleNids []int32

	// ModulePreference orders modules for resolving conflicts, most
	// preferred first.
	ModulePreference []int32

	Precedence Precedence
}

// LatestOn returns a coordinate at the latest time on pathNid.
func LatestOn(pathNid int32) StampCoordinate {
	return StampCoordinate{Position: StampPosition{Time: math.MaxInt64 - 1, PathNid: pathNid}}
}

// StatusAllowed reports whether s passes the coordinate's status filter.
func (c StampCoordinate) StatusAllowed(s stamp.Status) bool {
	if len(c.AllowedStatuses) == 0 {
		return s != stamp.StatusCanceled
	}
	return slices.Contains(c.AllowedStatuses, s)
}

// ModuleAllowed reports whether moduleNid passes the coordinate's module
// filter.
func (c StampCoordinate) ModuleAllowed(moduleNid int32) bool {
	return len(c.ModuleNids) == 0 || slices.Contains(c.ModuleNids, moduleNid)
}

// String renders the coordinate for logs.
func (c StampCoordinate) String() string {
	return fmt.Sprintf("{path=%d time=%d modules=%v precedence=%s}",
		c.Position.PathNid, c.Position.Time, c.ModuleNids, c.Precedence)
}
