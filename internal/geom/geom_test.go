package geom

import (
	"math"
	"testing"
)

func TestBBoxIClip(t *testing.T) {
	a := NewBBoxI(0, 0, 10, 10)
	b := NewBBoxI(5, 5, 20, 20)
	c := a.Clip(b)
	if c.MinX != 5 || c.MinY != 5 || c.MaxX != 10 || c.MaxY != 10 {
		t.Errorf("unexpected clip result %+v", c)
	}
}

func TestBBoxIClipEmpty(t *testing.T) {
	a := NewBBoxI(0, 0, 1, 1)
	b := NewBBoxI(5, 5, 6, 6)
	c := a.Clip(b)
	if !c.IsEmpty() {
		t.Errorf("expected empty clip, got %+v", c)
	}
}

func TestSpansForBBox(t *testing.T) {
	b := NewBBoxI(2, 3, 4, 5)
	spans := SpansForBBox(b)
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	for i, s := range spans {
		if s.Y != 3+i || s.X0 != 2 || s.X1 != 4 {
			t.Errorf("span %d: unexpected %+v", i, s)
		}
		if s.Len() != 3 {
			t.Errorf("span %d: expected len 3, got %d", i, s.Len())
		}
	}
}

func TestQuadrupoleRoundTrip(t *testing.T) {
	q := Quadrupole{Ixx: 4, Iyy: 1, Ixy: 0}
	ax := q.ToAxes()
	if math.Abs(ax.A-2) > 1e-9 || math.Abs(ax.B-1) > 1e-9 {
		t.Errorf("unexpected axes %+v", ax)
	}
	q2 := ax.ToQuadrupole()
	if math.Abs(q2.Ixx-q.Ixx) > 1e-9 || math.Abs(q2.Iyy-q.Iyy) > 1e-9 || math.Abs(q2.Ixy-q.Ixy) > 1e-9 {
		t.Errorf("round trip mismatch: got %+v want %+v", q2, q)
	}
}

func TestQuadrupoleRoundTripSkewed(t *testing.T) {
	q := Quadrupole{Ixx: 5, Iyy: 3, Ixy: 1.2}
	ax := q.ToAxes()
	q2 := ax.ToQuadrupole()
	if math.Abs(q2.Ixx-q.Ixx) > 1e-9 || math.Abs(q2.Iyy-q.Iyy) > 1e-9 || math.Abs(q2.Ixy-q.Ixy) > 1e-9 {
		t.Errorf("round trip mismatch: got %+v want %+v", q2, q)
	}
}

func TestEllipseContains(t *testing.T) {
	e := Ellipse{Center: Point2D{X: 10, Y: 10}, Core: Quadrupole{Ixx: 9, Iyy: 9, Ixy: 0}}
	if !e.Contains(Point2D{X: 10, Y: 10}) {
		t.Errorf("center should be contained")
	}
	if e.Contains(Point2D{X: 10, Y: 100}) {
		t.Errorf("far point should not be contained")
	}
}

func TestEllipseBBox(t *testing.T) {
	e := Ellipse{Center: Point2D{X: 10, Y: 10}, Core: Quadrupole{Ixx: 9, Iyy: 4, Ixy: 0}}
	b := e.BBox()
	if !b.Contains(NewBBoxI(7, 8, 13, 12)) {
		t.Errorf("bbox %+v too small", b)
	}
}
