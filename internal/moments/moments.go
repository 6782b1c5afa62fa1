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

// Package moments fits an adaptive elliptical Gaussian to a source's light
// distribution, iterating the weight function toward the object's own
// second moments until the estimate converges.
package moments

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/image"
	"github.com/skyfield-go/photomeasure/internal/record"
)

// Flags describing why a fit did not fully succeed.
const (
	FlagUnweighted    uint32 = 1 << 0 // fell back to unweighted moments
	FlagUnweightedBad uint32 = 1 << 1 // unweighted fallback failed too
	FlagShift         uint32 = 1 << 2 // centroid moved further than Control.MaxShift
	FlagMaxIter       uint32 = 1 << 3 // hit Control.MaxIter without converging
)

// Control tunes the adaptive moments iteration.
type Control struct {
	MaxIter  int
	Tol1     float64
	Tol2     float64
	MaxShift float64
	MaxRad   float64
}

// DefaultControl returns the original algorithm's default tolerances.
func DefaultControl() Control {
	return Control{
		MaxIter:  100,
		Tol1:     1e-5,
		Tol2:     1e-4,
		MaxShift: 1.0,
		MaxRad:   1000,
	}
}

// Result is the outcome of an adaptive moments fit.
type Result struct {
	Center geom.Point2D
	Shape  geom.Quadrupole // weighted second moments, in pixel^2
	I0     float64         // best fit Gaussian amplitude
	I0Err  float64
	Ixy4   float64 // fourth moment sum / flux, used for kurtosis-style diagnostics
	Flags  uint32
	Covar  *mat.Dense // 4x4 covariance of (I0, Ixx, Iyy, Ixy), nil if not computed
}

func (r Result) Failed() bool { return r.Flags&FlagUnweightedBad != 0 }

const epsilon = 1.1920929e-7 // matches float32 machine epsilon used by the original algorithm

// getWeights inverts the 2x2 moments matrix (sigma11, sigma12, sigma22) into
// the weight function's own inverse covariance (w11, w12, w22) and its
// determinant. If the matrix is singular and careful is true, it inflates
// the principal axes by 1/12 in quadrature (the second moment of a single
// pixel) before retrying, matching the original's handling of degenerate
// (e.g. single-line) objects.
func getWeights(sigma11, sigma12, sigma22 float64, careful bool) (w11, w12, w22, det float64, ok bool) {
	if math.IsNaN(sigma11) || math.IsNaN(sigma12) || math.IsNaN(sigma22) {
		return 0, 0, 0, 0, false
	}
	det = sigma11*sigma22 - sigma12*sigma12
	if math.IsNaN(det) || det < epsilon {
		if !careful {
			return 0, 0, 0, det, false
		}
		const iMin = 1.0 / 12.0
		q := geom.Quadrupole{Ixx: sigma11, Iyy: sigma22, Ixy: sigma12}
		axes := q.ToAxes()
		axes.A = math.Sqrt(axes.A*axes.A + iMin)
		axes.B = math.Sqrt(axes.B*axes.B + iMin)
		q2 := axes.ToQuadrupole()
		det = q2.Determinant()
		if det < epsilon {
			return 0, 0, 0, det, false
		}
		return q2.Iyy / det, -q2.Ixy / det, q2.Ixx / det, det, true
	}
	return sigma22 / det, -sigma12 / det, sigma11 / det, det, true
}

// shouldInterp reports whether the weight function is narrow enough that
// sub-pixel interpolation is needed to integrate it accurately.
func shouldInterp(sigma11, sigma22, det float64) bool {
	const xinterp = 0.25
	return sigma11 < xinterp || sigma22 < xinterp || det < xinterp*xinterp
}

// setAmomBBox sizes the pixel region to examine around (xcen,ycen) given the
// weight function's own moments, clipped to the image bounds.
func setAmomBBox(bounds geom.BBoxI, xcen, ycen, sigma11W, sigma22W, maxRad float64) geom.BBoxI {
	rad := 4 * math.Sqrt(math.Max(sigma11W, sigma22W))
	if rad > maxRad {
		rad = maxRad
	}
	b := geom.NewBBoxI(
		int(xcen-rad-0.5),
		int(ycen-rad-0.5),
		int(xcen+rad+0.5),
		int(ycen+rad+0.5),
	)
	return b.Clip(bounds)
}

type momentSums struct {
	sum, sumX, sumY, sumXX, sumXY, sumYY, sumS4 float64
}

// calcmom accumulates the weighted moment sums of the pixels in bbox around
// (xcen,ycen) under the Gaussian weight function with inverse covariance
// (w11,w12,w22). When interp is true, each pixel is integrated over a 4x4
// sub-pixel grid; a conservative upper bound on the exponent (checked at the
// pixel's four corners) skips whole pixels outside the weight function's
// support. fluxOnly skips the second and fourth moment accumulation. Returns
// false if the region leaves the image or the weights are degenerate.
func calcmom(mi *image.MaskedImage, bkgd, xcen, ycen float64, bbox geom.BBoxI, interp bool, w11, w12, w22 float64, fluxOnly bool) (momentSums, bool) {
	if math.Abs(w11) > 1e6 || math.Abs(w12) > 1e6 || math.Abs(w22) > 1e6 {
		return momentSums{}, false
	}
	imageBBox := mi.BBox()
	if !imageBBox.Contains(bbox) {
		return momentSums{}, false
	}

	var s momentSums
	for iy := bbox.MinY; iy <= bbox.MaxY; iy++ {
		y := float64(iy) - ycen
		y2 := y * y
		yl := y - 0.375
		yh := y + 0.375
		for ix := bbox.MinX; ix <= bbox.MaxX; ix++ {
			pixel, ok := mi.Image.At(ix, iy)
			if !ok || math.IsNaN(pixel) {
				continue
			}
			x := float64(ix) - xcen

			if interp {
				xl := x - 0.375
				xh := x + 0.375
				expon := xl*xl*w11 + yl*yl*w22 + 2*xl*yl*w12
				expon = math.Max(expon, xh*xh*w11+yh*yh*w22+2*xh*yh*w12)
				expon = math.Max(expon, xl*xl*w11+yh*yh*w22+2*xl*yh*w12)
				expon = math.Max(expon, xh*xh*w11+yl*yl*w22+2*xh*yl*w12)
				if expon > 9.0 {
					continue
				}
				tmod := pixel - bkgd
				for Y := yl; Y <= yh; Y += 0.25 {
					y2i := Y * Y
					for X := xl; X <= xh; X += 0.25 {
						x2i := X * X
						xyi := X * Y
						e := x2i*w11 + 2*xyi*w12 + y2i*w22
						weight := math.Exp(-0.5 * e)
						ymod := tmod * weight
						s.sum += ymod
						if !fluxOnly {
							s.sumX += ymod * (X + xcen)
							s.sumY += ymod * (Y + ycen)
							s.sumXX += x2i * ymod
							s.sumXY += xyi * ymod
							s.sumYY += y2i * ymod
							s.sumS4 += e * e * ymod
						}
					}
				}
			} else {
				x2 := x * x
				xy := x * y
				expon := x2*w11 + 2*xy*w12 + y2*w22
				if expon > 14.0 {
					continue
				}
				weight := math.Exp(-0.5 * expon)
				tmod := pixel - bkgd
				ymod := tmod * weight
				s.sum += ymod
				if !fluxOnly {
					s.sumX += ymod * float64(ix)
					s.sumY += ymod * float64(iy)
					s.sumXX += x2 * ymod
					s.sumXY += xy * ymod
					s.sumYY += y2 * ymod
					s.sumS4 += expon * expon * ymod
				}
			}
		}
	}
	if fluxOnly {
		return s, true
	}
	return s, s.sum > 0 && s.sumXX > 0 && s.sumYY > 0
}

// i0From converts a raw weighted-intensity sum into the fitted Gaussian
// amplitude, dividing out the weight function's own normalization.
func i0From(sum, w11, w12, w22 float64) float64 {
	s11, s12, s22, _, _ := getWeights(w11, w12, w22, true)
	detW := s11*s22 - s12*s12
	if detW <= 0 {
		return 0
	}
	return sum / (math.Pi * math.Sqrt(detW))
}

// calcFisher builds the 4x4 Fisher information matrix for the fit
// parameters (I0, Ixx, Iyy, Ixy) given the fitted amplitude and weighted
// shape, following the closed-form least-squares derivation for a Gaussian
// model observed with uniform background variance bkgdVar.
func calcFisher(i0, sigma11W, sigma22W, sigma12W, bkgdVar float64) (*mat.Dense, error) {
	d := sigma11W*sigma22W - sigma12W*sigma12W
	if d <= epsilon {
		return nil, errDegenerate
	}
	if bkgdVar <= 0 {
		return nil, errBadVariance
	}
	f := math.Pi * math.Sqrt(d) / bkgdVar
	fac := f * i0 / (4.0 * d)

	fisher := mat.NewDense(4, 4, nil)
	fisher.Set(0, 0, f)
	fisher.Set(0, 1, fac*sigma22W)
	fisher.Set(1, 0, fac*sigma22W)
	fisher.Set(0, 2, fac*sigma11W)
	fisher.Set(2, 0, fac*sigma11W)
	fisher.Set(0, 3, -fac*2*sigma12W)
	fisher.Set(3, 0, -fac*2*sigma12W)

	fac2 := 3.0 * f * i0 * i0 / (16.0 * d * d)
	fisher.Set(1, 1, fac2*sigma22W*sigma22W)
	fisher.Set(2, 2, fac2*sigma11W*sigma11W)
	f33 := fac2 * 4.0 * (sigma12W*sigma12W + d/3.0)
	fisher.Set(3, 3, f33)
	fisher.Set(1, 2, f33/4.0)
	fisher.Set(2, 1, f33/4.0)
	fisher.Set(1, 3, fac2*(-2*sigma22W*sigma12W))
	fisher.Set(3, 1, fac2*(-2*sigma22W*sigma12W))
	fisher.Set(2, 3, fac2*(-2*sigma11W*sigma12W))
	fisher.Set(3, 2, fac2*(-2*sigma11W*sigma12W))

	return fisher, nil
}

type staticError string

func (e staticError) Error() string { return string(e) }

const (
	errDegenerate  staticError = "moments: determinant too small to calculate Fisher matrix"
	errBadVariance staticError = "moments: background variance must be positive"
)

// FitAdaptiveMoments iterates the elliptical Gaussian weight function
// toward the object's own second moments, starting from center, until
// convergence or Control.MaxIter is exhausted.
func FitAdaptiveMoments(mi *image.MaskedImage, bkgd float64, center geom.Point2D, ctrl Control) Result {
	if math.IsNaN(center.X) || math.IsNaN(center.Y) {
		return Result{Center: center, Flags: FlagUnweightedBad}
	}

	sigma11W, sigma12W, sigma22W := 1.5, 0.0, 1.5
	w11, w12, w22 := -1.0, -1.0, -1.0
	e1Old, e2Old := 1e6, 1e6
	sigma11OwOld := 1e6
	interpflag := false

	var sums momentSums
	var flags uint32
	imageBBox := mi.BBox()
	var bbox geom.BBoxI
	var unweighted bool
	iter := 0

	for ; iter < ctrl.MaxIter; iter++ {
		bbox = setAmomBBox(imageBBox, center.X, center.Y, sigma11W, sigma22W, ctrl.MaxRad)

		nw11, nw12, nw22, detW, ok := getWeights(sigma11W, sigma12W, sigma22W, true)
		if !ok {
			unweighted = true
			break
		}

		ow11, ow12, ow22 := w11, w12, w22
		w11, w12, w22 = nw11, nw12, nw22

		if shouldInterp(sigma11W, sigma22W, detW) && !interpflag {
			interpflag = true
			if iter > 0 {
				sigma11OwOld = 1e6
				w11, w12, w22 = ow11, ow12, ow22
				iter--
				continue
			}
		}

		s, ok := calcmom(mi, bkgd, center.X, center.Y, bbox, interpflag, w11, w12, w22, false)
		if !ok {
			unweighted = true
			break
		}
		sums = s

		if math.Abs(sums.sumX/sums.sum-center.X) > ctrl.MaxShift || math.Abs(sums.sumY/sums.sum-center.Y) > ctrl.MaxShift {
			flags |= FlagShift
		}

		sigma11Ow := sums.sumXX / sums.sum
		sigma22Ow := sums.sumYY / sums.sum
		sigma12Ow := sums.sumXY / sums.sum

		if sigma11Ow <= 0 || sigma22Ow <= 0 {
			unweighted = true
			break
		}

		d := sigma11Ow + sigma22Ow
		e1 := (sigma11Ow - sigma22Ow) / d
		e2 := 2.0 * sigma12Ow / d

		if iter > 0 &&
			math.Abs(e1-e1Old) < ctrl.Tol1 && math.Abs(e2-e2Old) < ctrl.Tol1 &&
			math.Abs(sigma11Ow/sigma11OwOld-1.0) < ctrl.Tol2 {
			break
		}
		e1Old, e2Old = e1, e2
		sigma11OwOld = sigma11Ow

		ow11, ow12, ow22, _, ok = getWeights(sigma11Ow, sigma12Ow, sigma22Ow, true)
		if !ok {
			unweighted = true
			break
		}
		n11 := ow11 - w11
		n12 := ow12 - w12
		n22 := ow22 - w22

		nsigma11, nsigma12, nsigma22, _, ok := getWeights(n11, n12, n22, false)
		if !ok {
			unweighted = true
			break
		}
		sigma11W, sigma12W, sigma22W = nsigma11, nsigma12, nsigma22

		if sigma11W <= 0 || sigma22W <= 0 {
			unweighted = true
			break
		}
	}

	if iter == ctrl.MaxIter {
		unweighted = true
		flags |= FlagMaxIter
	}
	if sums.sumXX+sums.sumYY == 0.0 {
		unweighted = true
	}

	if unweighted {
		flags |= FlagUnweighted
		w11, w12, w22 = 0, 0, 0
		s, ok := calcmom(mi, bkgd, center.X, center.Y, bbox, interpflag, w11, w12, w22, false)
		if !ok || s.sum <= 0 {
			flags &^= FlagUnweighted
			flags |= FlagUnweightedBad
			shape := geom.Quadrupole{Ixx: 1.0 / 12.0, Iyy: 1.0 / 12.0, Ixy: 0}
			return Result{Center: center, Shape: shape, Flags: flags}
		}
		sums = s
		sigma11W = sums.sumXX / sums.sum
		sigma12W = sums.sumXY / sums.sum
		sigma22W = sums.sumYY / sums.sum
	}

	i0 := i0From(sums.sum, w11, w12, w22)
	shape := geom.Quadrupole{Ixx: sigma11W, Iyy: sigma22W, Ixy: sigma12W}
	result := Result{
		Center: center,
		Shape:  shape,
		I0:     i0,
		Ixy4:   sums.sumS4 / sums.sum,
		Flags:  flags,
	}

	if shape.Ixx+shape.Iyy != 0.0 {
		ix, iy := int(center.X), int(center.Y)
		if bkgdVar, ok := mi.Variance.At(ix, iy); ok && bkgdVar > 0 && flags&FlagUnweighted == 0 {
			if fisher, err := calcFisher(i0, shape.Ixx, shape.Iyy, shape.Ixy, bkgdVar); err == nil {
				var covar mat.Dense
				if err := covar.Inverse(fisher); err == nil {
					result.Covar = &covar
					result.I0Err = math.Sqrt(math.Abs(covar.At(0, 0)))
				}
			}
		}
	}

	return result
}

// WriteToRecord writes result's centroid, shape, flux and flags into rec
// under name's field prefix: "{name}_x", "..._y", "..._xx", "..._yy",
// "..._xy", "..._xy4", "..._flux", "..._fluxSigma", and the flux/shape
// covariance cross terms "..._flux_xx_Cov", "..._flux_yy_Cov",
// "..._flux_xy_Cov" when result.Covar is available; flags "..._flag",
// "..._flag_unweightedBad", "..._flag_unweighted", "..._flag_shift",
// "..._flag_maxIter". Per-position covariance sub-fields (xSigma, ySigma,
// ...) are not written: FitAdaptiveMoments never re-seeds the centroid
// from the weighted first moments, so no separate centroid covariance is
// ever computed.
func WriteToRecord(name string, schema *record.Schema, rec *record.Record, result Result) {
	rec.SetField(schema.Join(name, "x"), result.Center.X)
	rec.SetField(schema.Join(name, "y"), result.Center.Y)
	rec.SetField(schema.Join(name, "xx"), result.Shape.Ixx)
	rec.SetField(schema.Join(name, "yy"), result.Shape.Iyy)
	rec.SetField(schema.Join(name, "xy"), result.Shape.Ixy)
	rec.SetField(schema.Join(name, "xy4"), result.Ixy4)

	scale := FluxScale(result.Shape)
	flux := result.I0 * scale
	fluxSigma := result.I0Err * scale
	rec.SetField(schema.Join(name, "flux"), flux)
	rec.SetField(schema.Join(name, "fluxSigma"), fluxSigma)

	if result.Covar != nil {
		rec.SetField(schema.Join(name, "flux", "xx", "Cov"), result.Covar.At(0, 1)*scale)
		rec.SetField(schema.Join(name, "flux", "yy", "Cov"), result.Covar.At(0, 2)*scale)
		rec.SetField(schema.Join(name, "flux", "xy", "Cov"), result.Covar.At(0, 3)*scale)
	}

	defs := []record.FlagDefinition{
		{Name: "", Number: 0, Doc: "measurement failed"},
		{Name: "unweightedBad", Number: 1, Doc: "unweighted fallback also failed"},
		{Name: "unweighted", Number: 2, Doc: "fell back to unweighted moments"},
		{Name: "shift", Number: 3, Doc: "centroid moved further than Control.MaxShift"},
		{Name: "maxIter", Number: 4, Doc: "hit Control.MaxIter without converging"},
	}
	h := record.NewFlagHandler(name, defs)
	h.SetValue(rec, 0, result.Failed())
	h.SetValue(rec, 1, result.Flags&FlagUnweightedBad != 0)
	h.SetValue(rec, 2, result.Flags&FlagUnweighted != 0)
	h.SetValue(rec, 3, result.Flags&FlagShift != 0)
	h.SetValue(rec, 4, result.Flags&FlagMaxIter != 0)
}

// FluxScale converts a fitted Gaussian amplitude into total flux: the
// volume under an elliptical Gaussian of the given shape and peak height 1.
func FluxScale(shape geom.Quadrupole) float64 {
	return 2 * math.Pi * math.Sqrt(shape.Determinant())
}

// GetFixedMomentsFlux computes flux and its error for a precomputed shape
// without iterating: it evaluates the weight function once at the given
// shape and sums flux-only moments.
//
// A non-nil error is a domain error, not an ordinary measurement failure:
// calcFisher cannot build a Fisher matrix from a degenerate shape or a
// non-positive background variance, and that distinction is the caller's
// to make, not something to fold into the same NaN an ordinary getWeights
// failure returns.
func GetFixedMomentsFlux(mi *image.MaskedImage, bkgd float64, center geom.Point2D, shape geom.Quadrupole, maxRad float64) (flux, fluxErr float64, err error) {
	bbox := setAmomBBox(mi.BBox(), center.X, center.Y, shape.Ixx, shape.Iyy, maxRad)

	w11, w12, w22, detW, ok := getWeights(shape.Ixx, shape.Ixy, shape.Iyy, true)
	if !ok {
		return math.NaN(), math.NaN(), nil
	}
	interp := shouldInterp(shape.Ixx, shape.Iyy, detW)

	s, _ := calcmom(mi, bkgd, center.X, center.Y, bbox, interp, w11, w12, w22, true)
	i0 := i0From(s.sum, w11, w12, w22)

	ix, iy := int(center.X), int(center.Y)
	bkgdVar, ok := mi.Variance.At(ix, iy)
	if !ok {
		return math.NaN(), math.NaN(), nil
	}
	fisher, ferr := calcFisher(i0, shape.Ixx, shape.Iyy, shape.Ixy, bkgdVar)
	if ferr != nil {
		return math.NaN(), math.NaN(), ferr
	}
	var covar mat.Dense
	if err := covar.Inverse(fisher); err != nil {
		return math.NaN(), math.NaN(), nil
	}
	i0Err := math.Sqrt(math.Abs(covar.At(0, 0)))

	scale := FluxScale(shape)
	return i0 * scale, i0Err * scale, nil
}
