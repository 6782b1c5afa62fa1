package sinc

import (
	"math"
	"testing"

	"github.com/skyfield-go/photomeasure/internal/geom"
)

func TestForName(t *testing.T) {
	if ForName("lanczos5").Name != "lanczos5" {
		t.Errorf("expected lanczos5 default")
	}
	if ForName("bogus").Name != "lanczos5" {
		t.Errorf("expected lanczos5 fallback for unknown kernel")
	}
	if ForName("catmullrom").Name != "catmullrom" {
		t.Errorf("expected catmullrom")
	}
}

func TestComputeCoeffsSumsNearArea(t *testing.T) {
	core := geom.Quadrupole{Ixx: 9, Iyy: 9, Ixy: 0}
	c := computeCoeffs(core)
	sum := 0.0
	for _, v := range c.Data {
		sum += v
	}
	// Ellipse area for a circle of radius 3 is pi*r^2 = ~28.27.
	if math.Abs(sum-math.Pi*9) > 2.0 {
		t.Errorf("sum of coefficients %v far from expected area %v", sum, math.Pi*9)
	}
}

func TestCacheReturnsSameInstance(t *testing.T) {
	var c Cache
	core := geom.Quadrupole{Ixx: 4, Iyy: 4, Ixy: 0}
	a := c.Get(core)
	b := c.Get(core)
	if a != b {
		t.Errorf("expected cache hit to return the same pointer")
	}
}

func TestShiftPreservesApproxSum(t *testing.T) {
	core := geom.Quadrupole{Ixx: 16, Iyy: 16, Ixy: 0}
	c := computeCoeffs(core)
	shifted := Shift(c, 0.25, -0.25, Lanczos5)
	sumBefore, sumAfter := 0.0, 0.0
	for _, v := range c.Data {
		sumBefore += v
	}
	for _, v := range shifted.Data {
		sumAfter += v
	}
	if math.Abs(sumBefore-sumAfter) > 0.5 {
		t.Errorf("shift changed total flux too much: before=%v after=%v", sumBefore, sumAfter)
	}
}

// The band-limited coefficient image must ring beyond the aperture's own
// geometric edge even with no sub-pixel shift applied — a plain coverage
// mask would be exactly zero there.
func TestComputeCoeffsHasPermanentSkirt(t *testing.T) {
	core := geom.Quadrupole{Ixx: 9, Iyy: 9, Ixy: 0}
	c := computeCoeffs(core)

	e := geom.Ellipse{Center: geom.Point2D{}, Core: core}
	apBBox := e.BBox()

	foundNonzeroOutside := false
	for y := c.BBox.MinY; y <= c.BBox.MaxY; y++ {
		for x := c.BBox.MinX; x <= c.BBox.MaxX; x++ {
			if x >= apBBox.MinX && x <= apBBox.MaxX && y >= apBBox.MinY && y <= apBBox.MaxY {
				continue
			}
			if c.At(x, y) != 0 {
				foundNonzeroOutside = true
			}
		}
	}
	if !foundNonzeroOutside {
		t.Errorf("expected nonzero sinc skirt outside the aperture's own bbox")
	}
}

func TestShiftOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for out of range shift")
		}
	}()
	core := geom.Quadrupole{Ixx: 4, Iyy: 4, Ixy: 0}
	c := computeCoeffs(core)
	Shift(c, 1.5, 0, Lanczos5)
}
