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

// Package aperture computes circular aperture instrumental flux, following
// the naive pixel-span sum for large apertures and a sinc-interpolated sum
// for small ones where pixelization error dominates.
package aperture

import (
	"fmt"
	"math"
	"strings"

	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/image"
	"github.com/skyfield-go/photomeasure/internal/record"
	"github.com/skyfield-go/photomeasure/internal/sinc"
)

// Flux measurement failure flags, one bit per condition, set independently
// of each other so a caller can tell truncation from outright failure.
const (
	FlagFailure             uint32 = 1 << 0
	FlagApertureTruncated   uint32 = 1 << 1
	FlagSincCoeffsTruncated uint32 = 1 << 2
)

// Control configures a set of aperture radii to measure and how to shift
// sinc coefficients to a sub-pixel center.
type Control struct {
	Radii         []float64
	MaxSincRadius float64
	ShiftKernel   string
}

// DefaultControl returns the radii and kernel used by default, matching the
// original algorithm's fixed radius ladder in pixels.
func DefaultControl() Control {
	return Control{
		Radii:         []float64{3.0, 4.5, 6.0, 9.0, 12.0, 17.0, 25.0, 35.0, 50.0, 70.0},
		MaxSincRadius: 10.0,
		ShiftKernel:   "lanczos5",
	}
}

// MakeFieldPrefix builds a schema-safe field name from a radius, replacing
// the decimal point so the name never contains a '.'.
func MakeFieldPrefix(prefix string, radius float64) string {
	s := fmt.Sprintf("%s_%.1f", prefix, radius)
	return strings.ReplaceAll(s, ".", "_")
}

// Result is a single aperture's flux measurement.
type Result struct {
	InstFlux    float64
	InstFluxErr float64
	Flags       uint32
}

func (r Result) Failed() bool { return r.Flags&FlagFailure != 0 }

var cache sinc.Cache

// ComputeFlux measures the instrumental flux within ellipse on mi, choosing
// the sinc-interpolated sum for apertures with semi-minor axis no larger
// than ctrl.MaxSincRadius, and the naive pixel-span sum otherwise.
func ComputeFlux(mi *image.MaskedImage, ellipse geom.Ellipse, ctrl Control) Result {
	axes := ellipse.Core.ToAxes()
	if axes.B <= ctrl.MaxSincRadius {
		return ComputeSincFlux(mi, ellipse, ctrl)
	}
	return ComputeNaiveFlux(mi, ellipse)
}

// ComputeNaiveFlux sums whole pixels whose centers fall within ellipse,
// without sub-pixel weighting. Pixels outside mi's bounding box truncate
// the aperture and the result is flagged as both truncated and failed.
func ComputeNaiveFlux(mi *image.MaskedImage, ellipse geom.Ellipse) Result {
	bbox := ellipse.BBox()
	imageBBox := mi.BBox()
	var flags uint32
	if !imageBBox.Contains(bbox) {
		flags |= FlagApertureTruncated | FlagFailure
		bbox = bbox.Clip(imageBBox)
	}
	if bbox.IsEmpty() {
		return Result{Flags: flags | FlagFailure}
	}

	sum, varSum := 0.0, 0.0
	for _, span := range geom.SpansForBBox(bbox) {
		for x := span.X0; x <= span.X1; x++ {
			p := geom.Point2D{X: float64(x), Y: float64(span.Y)}
			if !ellipse.Contains(p) {
				continue
			}
			v, ok := mi.Image.At(x, span.Y)
			if !ok || math.IsNaN(v) {
				continue
			}
			sum += v
			if vv, ok := mi.Variance.At(x, span.Y); ok {
				varSum += vv
			}
		}
	}
	return Result{InstFlux: sum, InstFluxErr: math.Sqrt(varSum), Flags: flags}
}

// ComputeSincFlux measures instFlux as the sinc-weighted sum of pixels
// covered by ellipse, using precomputed aperture coefficients shifted to
// the ellipse's sub-pixel center.
func ComputeSincFlux(mi *image.MaskedImage, ellipse geom.Ellipse, ctrl Control) Result {
	centered := geom.Ellipse{Core: ellipse.Core}
	coeffs := cache.Get(centered.Core)

	cx, cy := math.Floor(ellipse.Center.X+0.5), math.Floor(ellipse.Center.Y+0.5)
	dx, dy := ellipse.Center.X-cx, ellipse.Center.Y-cy

	k := sinc.ForName(ctrl.ShiftKernel)
	shifted := sinc.Shift(coeffs, dx, dy, k)

	coeffBBox := geom.NewBBoxI(
		shifted.BBox.MinX+int(cx), shifted.BBox.MinY+int(cy),
		shifted.BBox.MaxX+int(cx), shifted.BBox.MaxY+int(cy),
	)

	var flags uint32
	imageBBox := mi.BBox()
	clipped := coeffBBox.Clip(imageBBox)
	if clipped != coeffBBox {
		flags |= FlagSincCoeffsTruncated
		if !imageBBox.Contains(ellipse.BBox()) {
			flags |= FlagApertureTruncated | FlagFailure
		}
	}
	if clipped.IsEmpty() {
		return Result{Flags: flags | FlagFailure}
	}

	sum, varSum := 0.0, 0.0
	for y := clipped.MinY; y <= clipped.MaxY; y++ {
		for x := clipped.MinX; x <= clipped.MaxX; x++ {
			w := shifted.At(x-int(cx), y-int(cy))
			if w == 0 {
				continue
			}
			v, ok := mi.Image.At(x, y)
			if !ok || math.IsNaN(v) {
				continue
			}
			sum += w * v
			if vv, ok := mi.Variance.At(x, y); ok {
				varSum += w * w * vv
			}
		}
	}
	return Result{InstFlux: sum, InstFluxErr: math.Sqrt(varSum), Flags: flags}
}

// Algorithm measures instrumental flux at every radius in Control.Radii.
type Algorithm struct {
	Ctrl Control
}

func NewAlgorithm(ctrl Control) *Algorithm {
	return &Algorithm{Ctrl: ctrl}
}

// Measure returns one Result per configured radius, in the same order as
// Ctrl.Radii, for a circular aperture centered at center.
func (a *Algorithm) Measure(mi *image.MaskedImage, center geom.Point2D) []Result {
	results := make([]Result, len(a.Ctrl.Radii))
	for i, r := range a.Ctrl.Radii {
		core := geom.Quadrupole{Ixx: r * r, Iyy: r * r, Ixy: 0}
		ellipse := geom.Ellipse{Center: center, Core: core}
		results[i] = ComputeFlux(mi, ellipse, a.Ctrl)
	}
	return results
}

// MeasureToRecord measures every configured radius exactly as Measure does,
// and additionally writes each radius's result into rec under the field
// names "{name}_{r:.1f}_instFlux", "..._instFluxErr", "..._flag",
// "..._flag_apertureTruncated" and (for radii within Ctrl.MaxSincRadius)
// "..._flag_sincCoeffsTruncated", recording the configured radii list as
// schema metadata under "{name}_radii".
func (a *Algorithm) MeasureToRecord(mi *image.MaskedImage, center geom.Point2D, name string, schema *record.Schema, rec *record.Record) []Result {
	schema.SetMetadata(name+"_radii", a.Ctrl.Radii)

	results := a.Measure(mi, center)
	for i, r := range a.Ctrl.Radii {
		prefix := MakeFieldPrefix(name, r)
		res := results[i]
		rec.SetField(prefix+"_instFlux", res.InstFlux)
		rec.SetField(prefix+"_instFluxErr", res.InstFluxErr)

		defs := []record.FlagDefinition{
			{Name: "", Number: 0, Doc: "measurement failed"},
			{Name: "apertureTruncated", Number: 1, Doc: "aperture extends beyond the image"},
		}
		if r <= a.Ctrl.MaxSincRadius {
			defs = append(defs, record.FlagDefinition{Name: "sincCoeffsTruncated", Number: 2, Doc: "sinc coefficient skirt clipped by the image edge"})
		}
		h := record.NewFlagHandler(prefix, defs)
		h.SetValue(rec, 0, res.Flags&FlagFailure != 0)
		h.SetValue(rec, 1, res.Flags&FlagApertureTruncated != 0)
		if r <= a.Ctrl.MaxSincRadius {
			h.SetValue(rec, 2, res.Flags&FlagSincCoeffsTruncated != 0)
		}
	}
	return results
}

// Magnitude converts flux and flux error into a calibrated magnitude using
// calib, returning NaN magnitude (rather than an error) for non-positive
// flux, matching the original algorithm's negative-flux guard during bulk
// transforms.
func Magnitude(calib Calib, flux, fluxErr float64) (mag, magErr float64) {
	if flux <= 0 {
		return math.NaN(), math.NaN()
	}
	return calib.Magnitude(flux, fluxErr)
}

// Calib converts an instrumental flux and its error into a magnitude and
// its error. Satisfied by record.Calib, kept as its own interface so any
// calibration model can be substituted.
type Calib interface {
	Magnitude(flux, fluxErr float64) (mag, magErr float64)
}

// Transform converts every Result in results to a magnitude using calib.
func Transform(calib Calib, results []Result) (mags, magErrs []float64) {
	mags = make([]float64, len(results))
	magErrs = make([]float64, len(results))
	for i, r := range results {
		if r.Failed() {
			mags[i], magErrs[i] = math.NaN(), math.NaN()
			continue
		}
		mags[i], magErrs[i] = Magnitude(calib, r.InstFlux, r.InstFluxErr)
	}
	return mags, magErrs
}
