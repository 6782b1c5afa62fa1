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

// Package scaledaperture measures instrumental flux within a circular
// aperture whose radius is a fixed multiple of the local PSF's FWHM,
// rather than one of aperture.Control's fixed radii. This keeps the
// aperture's effective size comparable across exposures with different
// seeing.
package scaledaperture

import (
	"math"

	"github.com/skyfield-go/photomeasure/internal/aperture"
	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/image"
)

// Control configures the scale factor and sub-pixel shift kernel.
type Control struct {
	Scale       float64
	ShiftKernel string
}

// DefaultControl returns a scale of 3x the PSF FWHM and the default
// Lanczos-5 shift kernel.
func DefaultControl() Control {
	return Control{Scale: 3.0, ShiftKernel: "lanczos5"}
}

// fwhmFromDeterminantRadius converts a Gaussian's determinant radius
// (sqrt(sqrt(det(Ixx,Iyy,Ixy)))) into its full width at half maximum.
func fwhmFromDeterminantRadius(r float64) float64 {
	return 2.0 * math.Sqrt(2.0*math.Ln2) * r
}

// determinantRadius returns a shape's determinant radius, (Ixx*Iyy-Ixy^2)^(1/4).
// Zero for a degenerate (non-positive-determinant) shape.
func determinantRadius(core geom.Quadrupole) float64 {
	d := core.Determinant()
	if d <= 0 {
		return 0
	}
	return math.Sqrt(math.Sqrt(d))
}

// PSF supplies the local point-spread function shape at an image position,
// so ComputeScaledApertureFlux can size its aperture to the exposure's
// actual seeing rather than a fixed pixel radius.
type PSF interface {
	ComputeShape(p geom.Point2D) geom.Quadrupole
}

// FixedGaussianPSF is a PSF whose shape does not vary across the image, the
// simplest implementation of PSF: a circular Gaussian of constant Sigma.
type FixedGaussianPSF struct {
	Sigma float64
}

func (p FixedGaussianPSF) ComputeShape(geom.Point2D) geom.Quadrupole {
	return geom.Quadrupole{Ixx: p.Sigma * p.Sigma, Iyy: p.Sigma * p.Sigma, Ixy: 0}
}

// ComputeScaledApertureFlux measures instrumental flux within a circular
// aperture of radius ctrl.Scale*fwhm centered at center, where fwhm is
// derived from the local PSF's shape at center. The aperture is always
// measured with the sinc-interpolated sum, since PSF-scaled apertures are
// small by construction.
func ComputeScaledApertureFlux(mi *image.MaskedImage, center geom.Point2D, psf PSF, ctrl Control) aperture.Result {
	shape := psf.ComputeShape(center)
	fwhm := fwhmFromDeterminantRadius(determinantRadius(shape))
	size := ctrl.Scale * fwhm
	core := geom.Quadrupole{Ixx: size * size, Iyy: size * size, Ixy: 0}
	ellipse := geom.Ellipse{Center: center, Core: core}

	apCtrl := aperture.Control{ShiftKernel: ctrl.ShiftKernel}
	return aperture.ComputeSincFlux(mi, ellipse, apCtrl)
}
