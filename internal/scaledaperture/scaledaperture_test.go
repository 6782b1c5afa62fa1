package scaledaperture

import (
	"math"
	"testing"

	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/image"
)

func flatImage(w, h int, value float64) *image.MaskedImage {
	mi := image.NewMaskedImage(geom.NewBBoxI(0, 0, w-1, h-1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mi.Image.Set(x, y, value)
			mi.Variance.Set(x, y, 1.0)
		}
	}
	return mi
}

func TestComputeScaledApertureFlux(t *testing.T) {
	mi := flatImage(101, 101, 1.0)
	psf := FixedGaussianPSF{Sigma: 2.0}
	r := ComputeScaledApertureFlux(mi, geom.Point2D{X: 50, Y: 50}, psf, DefaultControl())
	if r.Failed() {
		t.Fatalf("unexpected failure, flags=%v", r.Flags)
	}
	if r.InstFlux <= 0 {
		t.Errorf("expected positive flux, got %v", r.InstFlux)
	}
}

func TestFwhmFromDeterminantRadius(t *testing.T) {
	got := fwhmFromDeterminantRadius(1.0)
	want := 2.0 * math.Sqrt(2.0*math.Ln2)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeterminantRadius(t *testing.T) {
	r := determinantRadius(geom.Quadrupole{Ixx: 4, Iyy: 4, Ixy: 0})
	if math.Abs(r-2.0) > 1e-9 {
		t.Errorf("got %v, want 2", r)
	}
	if got := determinantRadius(geom.Quadrupole{}); got != 0 {
		t.Errorf("expected 0 for degenerate shape, got %v", got)
	}
}

func TestFixedGaussianPSFComputeShape(t *testing.T) {
	psf := FixedGaussianPSF{Sigma: 3.0}
	shape := psf.ComputeShape(geom.Point2D{X: 123, Y: 456})
	if shape.Ixx != 9 || shape.Iyy != 9 || shape.Ixy != 0 {
		t.Errorf("got %+v, want Ixx=Iyy=9, Ixy=0", shape)
	}
}
