package image

import (
	"math"
	"testing"

	"github.com/skyfield-go/photomeasure/internal/geom"
)

func TestPlaneSetAt(t *testing.T) {
	bbox := geom.NewBBoxI(-2, -2, 2, 2)
	p := NewPlane(bbox)
	p.Set(0, 0, 42)
	v, ok := p.At(0, 0)
	if !ok || v != 42 {
		t.Errorf("got %v, %v, want 42, true", v, ok)
	}
	if _, ok := p.At(100, 100); ok {
		t.Errorf("expected out of bounds access to report false")
	}
}

func TestFromFloat32(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	bbox := geom.NewBBoxI(-1, 0, 2, 1)
	mi := FromFloat32(src, 2, 2, bbox, 5.0)
	v, ok := mi.Image.At(0, 0)
	if !ok || v != 1 {
		t.Errorf("At(0,0)=%v,%v want 1,true", v, ok)
	}
	v, ok = mi.Image.At(-1, 0)
	if !ok || !math.IsNaN(v) {
		t.Errorf("out of source range pixel should be NaN, got %v", v)
	}
	vv, _ := mi.Variance.At(0, 0)
	if vv != 5.0 {
		t.Errorf("variance = %v, want 5.0", vv)
	}
}
