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

// Package record holds the per-source measurement output: a detection's
// footprint and peaks, its slot centroid and shape, and the flux and flag
// fields every measurement plugin writes into. It plays the role of a
// single afw::table::SourceRecord row, minus the column-store machinery
// a real catalog needs.
package record

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/skyfield-go/photomeasure/internal/geom"
)

// A detected peak within a Footprint, in parent image coordinates.
type Peak struct {
	Fx, Fy float64
}

// The pixels attached to a source, represented here by its peaks only;
// the demo core measures on a rectangular cutout rather than the pixel
// mask a real footprint carries.
type Footprint struct {
	Peaks []Peak
}

// Centroid is the record's slot centroid: the position used by every
// algorithm that needs one, plus whether that slot measurement failed.
type Centroid struct {
	Point geom.Point2D
	Valid bool
	Flag  bool
}

// Shape is the record's slot shape: the adaptive moments used by every
// algorithm that needs one, plus whether that slot measurement failed.
type Shape struct {
	Quad  geom.Quadrupole
	Valid bool
	Flag  bool
}

// Record is one source's measurement row.
type Record struct {
	ID        int64
	Footprint *Footprint
	Centroid  Centroid
	Shape     Shape

	flags  map[string]bool
	fields map[string]float64
}

func NewRecord(id int64) *Record {
	return &Record{
		ID:     id,
		flags:  make(map[string]bool),
		fields: make(map[string]float64),
	}
}

func (r *Record) SetFlag(name string, v bool)      { r.flags[name] = v }
func (r *Record) GetFlag(name string) bool          { return r.flags[name] }
func (r *Record) SetField(name string, v float64)   { r.fields[name] = v }
func (r *Record) GetField(name string) float64      { return r.fields[name] }

// AliasMap resolves indirections between slot names (e.g. "slot_Centroid")
// and the algorithm field names they actually point to, so a plugin that
// aliases its flag to "whatever the centroid slot currently uses" keeps
// pointing at the right field even if the slot is reassigned afterward.
type AliasMap struct {
	aliases map[string]string
}

func NewAliasMap() *AliasMap {
	return &AliasMap{aliases: make(map[string]string)}
}

// Apply resolves name through zero or more alias hops, returning the final
// target name (or name itself if it is not aliased).
func (a *AliasMap) Apply(name string) string {
	seen := map[string]bool{}
	for {
		target, ok := a.aliases[name]
		if !ok || seen[name] {
			return name
		}
		seen[name] = true
		name = target
	}
}

func (a *AliasMap) Set(alias, target string) {
	a.aliases[alias] = target
}

// Schema owns field naming conventions, the alias map, and schema-level
// metadata (values that describe the whole catalog rather than one row,
// such as the list of aperture radii an algorithm was configured with).
// Algorithms commonly populate Schema metadata once per source from a
// bounded worker pool (measpar.RunAll), so metadata access is mutex-guarded.
type Schema struct {
	Aliases *AliasMap

	mu       sync.Mutex
	metadata map[string]interface{}
}

func NewSchema() *Schema {
	return &Schema{Aliases: NewAliasMap(), metadata: make(map[string]interface{})}
}

func (s *Schema) Join(parts ...string) string {
	return strings.Join(parts, "_")
}

// SetMetadata records a schema-level value under key, such as the radii
// list an ApertureFluxAlgorithm was configured with under "{name}_radii".
func (s *Schema) SetMetadata(key string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = v
}

func (s *Schema) GetMetadata(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[key]
}

// A single named failure condition an algorithm can report, identified by
// a small integer bit number within its FlagHandler.
type FlagDefinition struct {
	Name   string
	Number int
	Doc    string
}

// FlagHandler maps an algorithm's FlagDefinitions onto named fields of a
// Record, and knows which bit is the generic "this measurement failed" bit.
type FlagHandler struct {
	Prefix      string
	Defs        []FlagDefinition
	FailureBit  int
}

// NewFlagHandler builds a handler for name's field prefix and defs. By
// convention the first definition is the generic failure flag.
func NewFlagHandler(name string, defs []FlagDefinition) *FlagHandler {
	return &FlagHandler{Prefix: name, Defs: defs, FailureBit: 0}
}

// fieldName builds the flag's field name. The generic failure flag is
// conventionally defined with an empty Name, producing "{prefix}_flag"
// rather than "{prefix}_flag_" with a trailing separator.
func (h *FlagHandler) fieldName(number int) string {
	name := h.Defs[number].Name
	if name == "" {
		return h.Prefix + "_flag"
	}
	return fmt.Sprintf("%s_flag_%s", h.Prefix, name)
}

func (h *FlagHandler) FailureFlagNumber() int { return h.FailureBit }

func (h *FlagHandler) SetValue(r *Record, number int, v bool) {
	r.SetFlag(h.fieldName(number), v)
}

func (h *FlagHandler) GetValue(r *Record, number int) bool {
	return r.GetFlag(h.fieldName(number))
}

// HandleFailure marks the generic failure bit, and the specific bit named
// by err if err carries one.
func (h *FlagHandler) HandleFailure(r *Record, err error) {
	h.SetValue(r, h.FailureBit, true)
	if me, ok := err.(*MeasurementError); ok {
		h.SetValue(r, me.FlagNumber, true)
	}
}

// MeasurementError is a recoverable per-source measurement failure that
// carries the flag number a FlagHandler should set.
type MeasurementError struct {
	Msg        string
	FlagNumber int
}

func (e *MeasurementError) Error() string { return e.Msg }

// FatalAlgorithmError is raised while measuring a source when the schema is
// missing something this algorithm cannot run without, such as an undefined
// slot. The algorithm cannot measure the source at all.
type FatalAlgorithmError struct {
	Msg string
}

func (e *FatalAlgorithmError) Error() string { return e.Msg }

// ConfigError is a logic error raised while building an algorithm, before
// any source is ever measured: the caller assembled plugins in the wrong
// order, such as constructing a consumer of a slot alias before anything
// has set that alias. Unlike FatalAlgorithmError (a missing schema field
// discovered while measuring), this always indicates a bug in the caller's
// setup code, never input data.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Calib converts an instrumental flux into a calibrated magnitude using a
// fixed zeropoint, following the simple single-zeropoint calibration model.
type Calib struct {
	ZeroPoint float64
}

const log10 = 2.302585092994046

// Magnitude implements aperture.Calib and moments-derived magnitude
// conversions: mag = zeroPoint - 2.5*log10(flux).
func (c Calib) Magnitude(flux, fluxErr float64) (mag, magErr float64) {
	if flux <= 0 || math.IsNaN(flux) {
		return math.NaN(), math.NaN()
	}
	mag = c.ZeroPoint - 2.5*math.Log10(flux)
	magErr = (2.5 / log10) * (fluxErr / flux)
	return mag, magErr
}
