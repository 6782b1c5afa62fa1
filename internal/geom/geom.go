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

// Package geom provides the double precision point, box and ellipse types
// used by the measurement core. The detection code in internal/star keeps
// its positions as float32 fields of star.Star instead.
package geom

import "math"

// A point with double precision coordinates.
type Point2D struct {
	X float64
	Y float64
}

func (p Point2D) Add(o Point2D) Point2D { return Point2D{p.X + o.X, p.Y + o.Y} }
func (p Point2D) Sub(o Point2D) Point2D { return Point2D{p.X - o.X, p.Y - o.Y} }

// An integer pixel bounding box, inclusive of both Min and Max.
type BBoxI struct {
	MinX, MinY int
	MaxX, MaxY int
}

func NewBBoxI(minX, minY, maxX, maxY int) BBoxI {
	return BBoxI{minX, minY, maxX, maxY}
}

func (b BBoxI) Width() int  { return b.MaxX - b.MinX + 1 }
func (b BBoxI) Height() int { return b.MaxY - b.MinY + 1 }
func (b BBoxI) IsEmpty() bool {
	return b.MaxX < b.MinX || b.MaxY < b.MinY
}

// Clip returns the intersection of b and other. The result IsEmpty if they
// do not overlap.
func (b BBoxI) Clip(other BBoxI) BBoxI {
	r := BBoxI{
		MinX: maxInt(b.MinX, other.MinX),
		MinY: maxInt(b.MinY, other.MinY),
		MaxX: minInt(b.MaxX, other.MaxX),
		MaxY: minInt(b.MaxY, other.MaxY),
	}
	return r
}

// Contains reports whether other is fully contained within b.
func (b BBoxI) Contains(other BBoxI) bool {
	return other.MinX >= b.MinX && other.MinY >= b.MinY && other.MaxX <= b.MaxX && other.MaxY <= b.MaxY
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// A single row of contiguous pixels, [X0,X1] inclusive, at row Y.
type Span struct {
	Y      int
	X0, X1 int
}

func (s Span) Len() int { return s.X1 - s.X0 + 1 }

// SpansForBBox returns one span per row of b, in row-major order.
func SpansForBBox(b BBoxI) []Span {
	if b.IsEmpty() {
		return nil
	}
	spans := make([]Span, 0, b.Height())
	for y := b.MinY; y <= b.MaxY; y++ {
		spans = append(spans, Span{Y: y, X0: b.MinX, X1: b.MaxX})
	}
	return spans
}

// A weighted second moment matrix, as used for the weight function and the
// adaptive shape of a source: Ixx, Iyy, Ixy in pixel^2.
type Quadrupole struct {
	Ixx, Iyy, Ixy float64
}

// Determinant returns Ixx*Iyy - Ixy^2.
func (q Quadrupole) Determinant() float64 {
	return q.Ixx*q.Iyy - q.Ixy*q.Ixy
}

// Axes is the semi-major axis A, semi-minor axis B and position angle Theta
// (radians, measured from the x axis) representation of a Quadrupole.
type Axes struct {
	A, B, Theta float64
}

// ToAxes converts a Quadrupole to its Axes representation. Degenerate input
// (A or B would be NaN) returns the zero Axes.
func (q Quadrupole) ToAxes() Axes {
	xx, yy, xy := q.Ixx, q.Iyy, q.Ixy
	d := math.Sqrt((xx-yy)*(xx-yy) + 4*xy*xy)
	lambda1 := 0.5 * (xx + yy + d)
	lambda2 := 0.5 * (xx + yy - d)
	if lambda1 < 0 || lambda2 < 0 {
		return Axes{}
	}
	a := math.Sqrt(lambda1)
	b := math.Sqrt(lambda2)
	theta := 0.0
	if xx != yy || xy != 0 {
		theta = 0.5 * math.Atan2(2*xy, xx-yy)
	}
	return Axes{A: a, B: b, Theta: theta}
}

// ToQuadrupole converts an Axes representation back to a Quadrupole.
func (ax Axes) ToQuadrupole() Quadrupole {
	a2, b2 := ax.A*ax.A, ax.B*ax.B
	c, s := math.Cos(ax.Theta), math.Sin(ax.Theta)
	xx := a2*c*c + b2*s*s
	yy := a2*s*s + b2*c*c
	xy := (a2 - b2) * c * s
	return Quadrupole{Ixx: xx, Iyy: yy, Ixy: xy}
}

// An elliptical region: a Quadrupole-shaped core centered at a Point2D.
type Ellipse struct {
	Center Point2D
	Core   Quadrupole
}

// BBox returns the integer pixel bounding box containing the ellipse, with
// no padding beyond the ellipse's own extent.
func (e Ellipse) BBox() BBoxI {
	ax := e.Core.ToAxes()
	r := math.Max(ax.A, ax.B)
	return BBoxI{
		MinX: int(math.Floor(e.Center.X - r)),
		MinY: int(math.Floor(e.Center.Y - r)),
		MaxX: int(math.Ceil(e.Center.X + r)),
		MaxY: int(math.Ceil(e.Center.Y + r)),
	}
}

// Contains reports whether point p lies within the unit ellipse scaled by
// Core, i.e. whether the Mahalanobis distance from Center is <= 1.
func (e Ellipse) Contains(p Point2D) bool {
	d := e.Core.Determinant()
	if d <= 0 {
		return false
	}
	dx, dy := p.X-e.Center.X, p.Y-e.Center.Y
	// Inverse of the 2x2 Core matrix applied as the quadratic form.
	ixx := e.Core.Iyy / d
	iyy := e.Core.Ixx / d
	ixy := -e.Core.Ixy / d
	return ixx*dx*dx+2*ixy*dx*dy+iyy*dy*dy <= 1
}
