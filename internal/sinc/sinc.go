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

// Package sinc precomputes and caches the sinc-band-limited aperture
// coefficients used by aperture photometry at small radii, and shifts them
// to a sub-pixel center using a named resampling kernel.
package sinc

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/image/draw"

	"github.com/skyfield-go/photomeasure/internal/geom"
)

// A resampling kernel used to shift precomputed coefficients by a sub-pixel
// offset. Support is the kernel's half-width in source pixels.
type Kernel struct {
	Name    string
	Support float64
	Weight  func(t float64) float64
}

func triangleWeight(t float64) float64 {
	t = math.Abs(t)
	if t >= 1 {
		return 0
	}
	return 1 - t
}

// Lanczos5 is the default shift kernel, matching the LSST default of
// "lanczos5": a windowed sinc with a 5 pixel half-width.
var Lanczos5 = Kernel{Name: "lanczos5", Support: 5, Weight: lanczos(5)}

// CatmullRom reuses the cubic convolution kernel shipped by x/image/draw.
var CatmullRom = Kernel{Name: "catmullrom", Support: draw.CatmullRom.Support, Weight: draw.CatmullRom.At}

// BiLinear is a plain triangle filter, equivalent to x/image/draw's
// ApproxBiLinear in the separable single-axis case.
var BiLinear = Kernel{Name: "bilinear", Support: 1, Weight: triangleWeight}

func lanczos(a float64) func(float64) float64 {
	return func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t <= -a || t >= a {
			return 0
		}
		piT := math.Pi * t
		return a * math.Sin(piT) * math.Sin(piT/a) / (piT * piT)
	}
}

// ForName returns the named kernel, defaulting to Lanczos5 for an unknown
// or empty name.
func ForName(name string) Kernel {
	switch name {
	case "catmullrom":
		return CatmullRom
	case "bilinear":
		return BiLinear
	case "lanczos5", "":
		return Lanczos5
	default:
		return Lanczos5
	}
}

// Precomputed aperture weights over an integer pixel grid: Coeffs.At(x,y)
// is the weight of pixel (x,y) in the aperture sum, and 0 outside BBox.
// Weights near the aperture edge can exceed 1 or be negative (see
// computeCoeffs).
type Coeffs struct {
	BBox geom.BBoxI
	Data []float64
}

func newCoeffs(bbox geom.BBoxI) *Coeffs {
	return &Coeffs{BBox: bbox, Data: make([]float64, bbox.Width()*bbox.Height())}
}

func (c *Coeffs) index(x, y int) (int, bool) {
	if x < c.BBox.MinX || x > c.BBox.MaxX || y < c.BBox.MinY || y > c.BBox.MaxY {
		return 0, false
	}
	return (y-c.BBox.MinY)*c.BBox.Width() + (x - c.BBox.MinX), true
}

func (c *Coeffs) At(x, y int) float64 {
	i, ok := c.index(x, y)
	if !ok {
		return 0
	}
	return c.Data[i]
}

func (c *Coeffs) set(x, y int, v float64) {
	i, ok := c.index(x, y)
	if !ok {
		return
	}
	c.Data[i] = v
}

// oversample is the number of sub-pixel samples per axis used to integrate
// the aperture indicator function over the aperture's interior.
const oversample = 8

// skirtPad is how many pixels beyond the aperture's own bbox the band-limited
// coefficient image is evaluated, to capture the sinc kernel's sidelobes.
// The ideal top-hat aperture is not band-limited, so convolving it with a
// sinc kernel rings forever; sinc decays only as 1/r, but the ring's sign
// alternates, so truncating a handful of pixels out loses little of the
// total weight.
const skirtPad = 10

func sinc1D(t float64) float64 {
	if t == 0 {
		return 1
	}
	piT := math.Pi * t
	return math.Sin(piT) / piT
}

// computeCoeffs builds the sinc-band-limited aperture coefficient image:
// the value at each integer pixel (x,y) of
//
//	coeff(x,y) = ∫∫ 1[(u,v) in aperture] sinc(x-u) sinc(y-v) du dv
//
// approximated by oversampling the aperture's interior. Because the ideal
// aperture indicator has a sharp edge, this integral rings near the
// boundary even evaluated on the same integer grid the indicator itself
// sits on — the permanent skirt a sinc aperture needs, independent of any
// later sub-pixel Shift. Unlike a plain coverage mask, individual
// coefficients near the edge can exceed 1 or go slightly negative.
func computeCoeffs(core geom.Quadrupole) *Coeffs {
	e := geom.Ellipse{Center: geom.Point2D{}, Core: core}
	apBBox := e.BBox()

	step := 1.0 / oversample
	norm := 1.0 / float64(oversample*oversample)
	type sample struct{ u, v float64 }
	samples := make([]sample, 0, apBBox.Width()*apBBox.Height()*oversample*oversample/2)
	for y := apBBox.MinY; y <= apBBox.MaxY; y++ {
		for x := apBBox.MinX; x <= apBBox.MaxX; x++ {
			for sy := 0; sy < oversample; sy++ {
				v := float64(y) + (float64(sy)+0.5)*step - 0.5
				for sx := 0; sx < oversample; sx++ {
					u := float64(x) + (float64(sx)+0.5)*step - 0.5
					if e.Contains(geom.Point2D{X: u, Y: v}) {
						samples = append(samples, sample{u: u, v: v})
					}
				}
			}
		}
	}

	bbox := geom.NewBBoxI(apBBox.MinX-skirtPad, apBBox.MinY-skirtPad, apBBox.MaxX+skirtPad, apBBox.MaxY+skirtPad)
	c := newCoeffs(bbox)
	for y := bbox.MinY; y <= bbox.MaxY; y++ {
		for x := bbox.MinX; x <= bbox.MaxX; x++ {
			sum := 0.0
			for _, s := range samples {
				sum += sinc1D(float64(x)-s.u) * sinc1D(float64(y)-s.v)
			}
			c.set(x, y, sum*norm)
		}
	}
	return c
}

// cacheKey rounds the core's independent moments so near-identical ellipses
// (differing only by floating point noise) share a cache entry.
type cacheKey struct {
	ixx, iyy, ixy int64
}

const keyScale = 1 << 16

func keyFor(core geom.Quadrupole) cacheKey {
	return cacheKey{
		ixx: int64(math.Round(core.Ixx * keyScale)),
		iyy: int64(math.Round(core.Iyy * keyScale)),
		ixy: int64(math.Round(core.Ixy * keyScale)),
	}
}

// Cache memoizes Coeffs by aperture core shape. The zero value is ready to
// use. A miss is computed under a per-key lock so concurrent lookups for the
// same shape never duplicate the (Ellipse-integration) work.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheEntry struct {
	once   sync.Once
	coeffs *Coeffs
}

// Get returns the cached Coeffs for core, computing them on first use.
func (c *Cache) Get(core geom.Quadrupole) *Coeffs {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[cacheKey]*cacheEntry)
	}
	key := keyFor(core)
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.coeffs = computeCoeffs(core)
	})
	return e.coeffs
}

var defaultCache Cache

// Get fetches sinc coefficients for an aperture of the given core shape
// from the process-wide default cache.
func Get(core geom.Quadrupole) *Coeffs {
	return defaultCache.Get(core)
}

// Shift resamples c to be centered at a sub-pixel offset (dx,dy) from its
// current grid using kernel k, via separable 1D convolution along each axis.
// dx and dy must each be in [-0.5, 0.5].
func Shift(c *Coeffs, dx, dy float64, k Kernel) *Coeffs {
	if dx < -0.5 || dx > 0.5 || dy < -0.5 || dy > 0.5 {
		panic(fmt.Sprintf("sinc: shift offset out of range: dx=%g dy=%g", dx, dy))
	}
	support := int(math.Ceil(k.Support))
	bbox := geom.NewBBoxI(c.BBox.MinX-support, c.BBox.MinY-support, c.BBox.MaxX+support, c.BBox.MaxY+support)

	tmp := newCoeffs(geom.NewBBoxI(bbox.MinX, c.BBox.MinY, bbox.MaxX, c.BBox.MaxY))
	for y := c.BBox.MinY; y <= c.BBox.MaxY; y++ {
		for x := bbox.MinX; x <= bbox.MaxX; x++ {
			sum := 0.0
			for sx := x - support; sx <= x+support; sx++ {
				w := k.Weight(float64(sx-x) + dx)
				if w == 0 {
					continue
				}
				sum += w * c.At(sx, y)
			}
			tmp.set(x, y, sum)
		}
	}

	out := newCoeffs(bbox)
	for y := bbox.MinY; y <= bbox.MaxY; y++ {
		for x := bbox.MinX; x <= bbox.MaxX; x++ {
			sum := 0.0
			for sy := y - support; sy <= y+support; sy++ {
				w := k.Weight(float64(sy-y) + dy)
				if w == 0 {
					continue
				}
				sum += w * tmp.At(x, sy)
			}
			out.set(x, y, sum)
		}
	}
	return out
}
