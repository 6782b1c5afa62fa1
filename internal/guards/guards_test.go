package guards

import (
	"math"
	"testing"

	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/record"
)

func testFlagHandler() *record.FlagHandler {
	return record.NewFlagHandler("test", []record.FlagDefinition{
		{Name: "general", Number: 0},
	})
}

// aliasCentroidSlot simulates the centroid slot's own algorithm having
// already run and pointed the slot alias at its own flag, which every
// non-centroider NewSafeCentroidExtractor call requires beforehand.
func aliasCentroidSlot(schema *record.Schema) {
	schema.Aliases.Set(schema.Join("slot", "Centroid", "flag"), schema.Join("sdssCentroid", "flag"))
}

func aliasShapeSlot(schema *record.Schema) {
	schema.Aliases.Set(schema.Join("slot", "Shape", "flag"), schema.Join("sdssShape", "flag"))
}

func TestSafeCentroidExtractorValid(t *testing.T) {
	schema := record.NewSchema()
	aliasCentroidSlot(schema)
	e, err := NewSafeCentroidExtractor(schema, "test", false)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	r := record.NewRecord(1)
	r.Centroid = record.Centroid{Point: geom.Point2D{X: 5, Y: 6}, Valid: true}
	flags := testFlagHandler()
	p, err := e.Extract(r, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.X != 5 || p.Y != 6 {
		t.Errorf("got %+v", p)
	}
}

func TestSafeCentroidExtractorFallsBackToPeak(t *testing.T) {
	schema := record.NewSchema()
	aliasCentroidSlot(schema)
	e, err := NewSafeCentroidExtractor(schema, "test", false)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	r := record.NewRecord(1)
	r.Footprint = &record.Footprint{Peaks: []record.Peak{{Fx: 11, Fy: 12}}}
	r.Centroid = record.Centroid{Point: geom.Point2D{X: math.NaN(), Y: math.NaN()}, Valid: true, Flag: true}
	flags := testFlagHandler()
	p, err := e.Extract(r, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.X != 11 || p.Y != 12 {
		t.Errorf("got %+v, want peak", p)
	}
	if !flags.GetValue(r, 0) {
		t.Errorf("expected failure flag set after peak fallback")
	}
}

func TestSafeCentroidExtractorNoSlot(t *testing.T) {
	schema := record.NewSchema()
	aliasCentroidSlot(schema)
	e, err := NewSafeCentroidExtractor(schema, "test", false)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	r := record.NewRecord(1)
	flags := testFlagHandler()
	_, err = e.Extract(r, flags)
	if err == nil {
		t.Fatalf("expected error when centroid slot is not defined")
	}
	if _, ok := err.(*record.FatalAlgorithmError); !ok {
		t.Errorf("expected FatalAlgorithmError, got %T", err)
	}
}

// Constructing a non-centroider extractor before the centroid slot's own
// algorithm has pointed the slot alias anywhere is a caller setup bug, not
// a per-source measurement failure — it must be rejected at construction
// time with a ConfigError, matching the original's LogicError constructor
// check.
func TestNewSafeCentroidExtractorAliasNotSetIsConfigError(t *testing.T) {
	schema := record.NewSchema()
	_, err := NewSafeCentroidExtractor(schema, "test", false)
	if err == nil {
		t.Fatalf("expected a config error when the centroid slot alias is unset")
	}
	if _, ok := err.(*record.ConfigError); !ok {
		t.Errorf("expected ConfigError, got %T", err)
	}
}

func TestNewSafeShapeExtractorAliasNotSetIsConfigError(t *testing.T) {
	schema := record.NewSchema()
	_, err := NewSafeShapeExtractor(schema, "test")
	if err == nil {
		t.Fatalf("expected a config error when the shape slot alias is unset")
	}
	if _, ok := err.(*record.ConfigError); !ok {
		t.Errorf("expected ConfigError, got %T", err)
	}
}

func TestSafeShapeExtractorValid(t *testing.T) {
	schema := record.NewSchema()
	aliasShapeSlot(schema)
	e, err := NewSafeShapeExtractor(schema, "test")
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	r := record.NewRecord(1)
	r.Shape = record.Shape{Quad: geom.Quadrupole{Ixx: 4, Iyy: 4, Ixy: 0}, Valid: true}
	flags := testFlagHandler()
	q, err := e.Extract(r, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Ixx != 4 {
		t.Errorf("got %+v", q)
	}
}

func TestSafeShapeExtractorDegenerateFlagged(t *testing.T) {
	schema := record.NewSchema()
	aliasShapeSlot(schema)
	e, err := NewSafeShapeExtractor(schema, "test")
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	r := record.NewRecord(1)
	r.Shape = record.Shape{Quad: geom.Quadrupole{Ixx: math.NaN(), Iyy: 4, Ixy: 0}, Valid: true, Flag: true}
	flags := testFlagHandler()
	_, err = e.Extract(r, flags)
	if err == nil {
		t.Fatalf("expected MeasurementError for degenerate shape")
	}
	if _, ok := err.(*record.MeasurementError); !ok {
		t.Errorf("expected MeasurementError, got %T", err)
	}
}
