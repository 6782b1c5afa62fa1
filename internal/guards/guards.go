// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package guards extracts a usable centroid or shape from a record's slot
// measurement, falling back to the footprint's first peak (for a
// centroid) when the slot value is unusable, and flagging the current
// measurement whenever the fallback or an already-flagged slot might have
// compromised it.
package guards

import (
	"fmt"
	"math"

	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/record"
)

// SafeCentroidExtractor reads a record's slot centroid, aliasing its own
// "bad centroid" flag to whatever the centroid slot's flag currently
// points to so a later slot reassignment doesn't break the alias.
type SafeCentroidExtractor struct {
	name         string
	isCentroider bool
}

// NewSafeCentroidExtractor registers name's centroid-flag alias on schema.
// isCentroider should be true only for the algorithm that is itself the
// centroid slot's source, which must not alias to itself.
//
// For a non-centroider, schema's "slot_Centroid_flag" alias must already
// point somewhere by the time this is called — the centroid slot's own
// algorithm is responsible for setting it before any consumer is built.
// Calling this before that happens is a caller logic error, not a runtime
// measurement failure, and is reported as a *record.ConfigError.
func NewSafeCentroidExtractor(schema *record.Schema, name string, isCentroider bool) (*SafeCentroidExtractor, error) {
	aliasedFlagName := schema.Join("slot", "Centroid", "flag")
	slotFlagName := schema.Aliases.Apply(aliasedFlagName)
	if isCentroider {
		if slotFlagName != schema.Join(name, "flag") {
			schema.Aliases.Set(schema.Join(name, "flag", "badInitialCentroid"), slotFlagName)
		}
	} else {
		if aliasedFlagName == slotFlagName {
			return nil, &record.ConfigError{
				Msg: fmt.Sprintf("alias for %q must be defined before initializing %q plugin", aliasedFlagName, name),
			}
		}
		schema.Aliases.Set(schema.Join(name, "flag", "badCentroid"), slotFlagName)
	}
	return &SafeCentroidExtractor{name: name, isCentroider: isCentroider}, nil
}

func extractPeak(fp *record.Footprint, name string) (geom.Point2D, error) {
	if fp == nil {
		return geom.Point2D{}, fmt.Errorf("%s: centroid slot value is NaN, but no footprint attached to record", name)
	}
	if len(fp.Peaks) == 0 {
		return geom.Point2D{}, fmt.Errorf("%s: centroid slot value is NaN, but footprint has no peaks", name)
	}
	p := fp.Peaks[0]
	return geom.Point2D{X: p.Fx, Y: p.Fy}, nil
}

// Extract returns a usable centroid for r, falling back to the footprint's
// first peak when the slot centroid is NaN or otherwise unusable. flags is
// the calling algorithm's own FlagHandler, used to mark its measurement as
// affected when the fallback is taken.
func (e *SafeCentroidExtractor) Extract(r *record.Record, flags *record.FlagHandler) (geom.Point2D, error) {
	if !r.Centroid.Valid {
		if e.isCentroider {
			return extractPeak(r.Footprint, e.name)
		}
		return geom.Point2D{}, &record.FatalAlgorithmError{
			Msg: fmt.Sprintf("%s requires a centroid, but the centroid slot is not defined", e.name),
		}
	}

	result := r.Centroid.Point
	if math.IsNaN(result.X) || math.IsNaN(result.Y) {
		if !r.Centroid.Flag && !e.isCentroider {
			return geom.Point2D{}, fmt.Errorf(
				"%s: centroid slot value is NaN, but the centroid slot flag is not set "+
					"(is the execution order for %s lower than that of the slot centroid?)", e.name, e.name)
		}
		peak, err := extractPeak(r.Footprint, e.name)
		if err != nil {
			if e.isCentroider {
				return peak, err
			}
			return geom.Point2D{}, err
		}
		if !e.isCentroider {
			flags.SetValue(r, flags.FailureFlagNumber(), true)
		}
		return peak, nil
	} else if !e.isCentroider && r.Centroid.Flag {
		flags.SetValue(r, flags.FailureFlagNumber(), true)
	}
	return result, nil
}

// SafeShapeExtractor reads a record's slot shape, aliasing its own "bad
// shape" flag the same way SafeCentroidExtractor does for centroids.
type SafeShapeExtractor struct {
	name string
}

// NewSafeShapeExtractor registers name's shape-flag alias on schema. As
// with NewSafeCentroidExtractor, schema's "slot_Shape_flag" alias must
// already be set by the shape slot's own algorithm; calling this before
// that happens is a caller logic error, reported as a *record.ConfigError.
func NewSafeShapeExtractor(schema *record.Schema, name string) (*SafeShapeExtractor, error) {
	aliasedFlagName := schema.Join("slot", "Shape", "flag")
	slotFlagName := schema.Aliases.Apply(aliasedFlagName)
	if aliasedFlagName == slotFlagName {
		return nil, &record.ConfigError{
			Msg: fmt.Sprintf("alias for %q must be defined before initializing %q plugin", aliasedFlagName, name),
		}
	}
	schema.Aliases.Set(schema.Join(name, "flag", "badShape"), slotFlagName)
	return &SafeShapeExtractor{name: name}, nil
}

// degenerateEpsilon matches the magic number used to decide whether a
// moments matrix is numerically degenerate rather than merely round, per
// the unresolved tracking item left open in the original for choosing it.
const degenerateEpsilon = 1.0e-6

// Extract returns a usable shape for r, or a MeasurementError carrying
// flags' failure bit if the slot shape is unusable and not recoverable.
func (e *SafeShapeExtractor) Extract(r *record.Record, flags *record.FlagHandler) (geom.Quadrupole, error) {
	if !r.Shape.Valid {
		return geom.Quadrupole{}, &record.FatalAlgorithmError{
			Msg: fmt.Sprintf("%s requires a shape, but the shape slot is not defined", e.name),
		}
	}
	result := r.Shape.Quad
	degenerate := math.IsNaN(result.Ixx) || math.IsNaN(result.Iyy) || math.IsNaN(result.Ixy) ||
		result.Ixx*result.Iyy < (1.0+degenerateEpsilon)*result.Ixy*result.Ixy

	if degenerate {
		if !r.Shape.Flag {
			return geom.Quadrupole{}, fmt.Errorf(
				"%s: shape slot value is NaN, but the shape slot flag is not set "+
					"(is the execution order for %s lower than that of the slot shape?)", e.name, e.name)
		}
		return geom.Quadrupole{}, &record.MeasurementError{
			Msg:        fmt.Sprintf("%s: shape needed, and shape slot measurement failed", e.name),
			FlagNumber: flags.FailureFlagNumber(),
		}
	} else if r.Shape.Flag {
		flags.SetValue(r, flags.FailureFlagNumber(), true)
	}
	return result, nil
}
