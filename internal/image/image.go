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

// Package image provides the double precision pixel plane used by the
// measurement core, with an accompanying variance plane. Distinct from
// internal/fits.Image, which is the single precision container used to
// read and hold whole calibrated frames.
package image

import (
	"math"

	"github.com/skyfield-go/photomeasure/internal/geom"
)

// A rectangular plane of float64 pixel values, anchored at an arbitrary
// integer origin so that footprint coordinates need not be shifted.
type Plane struct {
	Data   []float64
	Width  int
	Height int
	OrigX  int
	OrigY  int
}

func NewPlane(bbox geom.BBoxI) *Plane {
	w, h := bbox.Width(), bbox.Height()
	return &Plane{
		Data:   make([]float64, w*h),
		Width:  w,
		Height: h,
		OrigX:  bbox.MinX,
		OrigY:  bbox.MinY,
	}
}

// BBox returns the plane's bounding box in image coordinates.
func (p *Plane) BBox() geom.BBoxI {
	return geom.NewBBoxI(p.OrigX, p.OrigY, p.OrigX+p.Width-1, p.OrigY+p.Height-1)
}

func (p *Plane) index(x, y int) (int, bool) {
	lx, ly := x-p.OrigX, y-p.OrigY
	if lx < 0 || ly < 0 || lx >= p.Width || ly >= p.Height {
		return 0, false
	}
	return ly*p.Width + lx, true
}

// At returns the pixel value at image coordinates (x,y), or 0 and false if
// outside the plane.
func (p *Plane) At(x, y int) (float64, bool) {
	i, ok := p.index(x, y)
	if !ok {
		return 0, false
	}
	return p.Data[i], true
}

func (p *Plane) Set(x, y int, v float64) {
	i, ok := p.index(x, y)
	if !ok {
		return
	}
	p.Data[i] = v
}

// A masked image: an image plane plus a variance plane of equal dimensions.
// The mask plane of afw::image::MaskedImage is intentionally dropped; the
// demo core treats any saturated or bad pixel as NaN in Data instead.
type MaskedImage struct {
	Image    *Plane
	Variance *Plane
}

func NewMaskedImage(bbox geom.BBoxI) *MaskedImage {
	return &MaskedImage{
		Image:    NewPlane(bbox),
		Variance: NewPlane(bbox),
	}
}

func (mi *MaskedImage) BBox() geom.BBoxI {
	return mi.Image.BBox()
}

// FromFloat32 builds a MaskedImage covering bbox from a float32 source
// plane (as held by fits.Image.Data, row-major with stride srcWidth,
// anchored at the image origin) and a uniform background variance.
func FromFloat32(src []float32, srcWidth, srcHeight int, bbox geom.BBoxI, bkgdVar float64) *MaskedImage {
	mi := NewMaskedImage(bbox)
	for y := bbox.MinY; y <= bbox.MaxY; y++ {
		for x := bbox.MinX; x <= bbox.MaxX; x++ {
			v := math.NaN()
			if x >= 0 && x < srcWidth && y >= 0 && y < srcHeight {
				v = float64(src[y*srcWidth+x])
			}
			mi.Image.Set(x, y, v)
			mi.Variance.Set(x, y, bkgdVar)
		}
	}
	return mi
}
