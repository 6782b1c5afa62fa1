package record

import (
	"math"
	"testing"
)

func TestAliasMapApply(t *testing.T) {
	a := NewAliasMap()
	a.Set("slot_Centroid_flag", "MyAlgorithm_flag")
	if got := a.Apply("slot_Centroid_flag"); got != "MyAlgorithm_flag" {
		t.Errorf("got %q", got)
	}
	if got := a.Apply("unaliased"); got != "unaliased" {
		t.Errorf("got %q, want passthrough", got)
	}
}

func TestAliasMapChain(t *testing.T) {
	a := NewAliasMap()
	a.Set("a", "b")
	a.Set("b", "c")
	if got := a.Apply("a"); got != "c" {
		t.Errorf("got %q, want c", got)
	}
}

func TestSchemaJoin(t *testing.T) {
	s := NewSchema()
	if got := s.Join("slot", "Centroid", "flag"); got != "slot_Centroid_flag" {
		t.Errorf("got %q", got)
	}
}

func TestFlagHandlerSetGet(t *testing.T) {
	defs := []FlagDefinition{
		{Name: "general", Number: 0, Doc: "generic failure"},
		{Name: "badCentroid", Number: 1, Doc: "no usable centroid"},
	}
	h := NewFlagHandler("test", defs)
	r := NewRecord(1)
	h.SetValue(r, 1, true)
	if !h.GetValue(r, 1) {
		t.Errorf("expected flag to be set")
	}
	if h.GetValue(r, 0) {
		t.Errorf("expected other flag to remain unset")
	}
}

func TestFlagHandlerHandleFailure(t *testing.T) {
	defs := []FlagDefinition{
		{Name: "general", Number: 0},
		{Name: "badShape", Number: 1},
	}
	h := NewFlagHandler("test", defs)
	r := NewRecord(1)
	h.HandleFailure(r, &MeasurementError{Msg: "boom", FlagNumber: 1})
	if !h.GetValue(r, 0) || !h.GetValue(r, 1) {
		t.Errorf("expected both the failure bit and the specific bit set")
	}
}

func TestCalibMagnitude(t *testing.T) {
	c := Calib{ZeroPoint: 25.0}
	mag, magErr := c.Magnitude(100, 1)
	if math.IsNaN(mag) {
		t.Fatalf("unexpected NaN magnitude")
	}
	if mag >= 25.0 {
		t.Errorf("mag=%v, should be less than zeropoint for positive flux", mag)
	}
	if magErr <= 0 {
		t.Errorf("magErr=%v, should be positive", magErr)
	}
}

func TestCalibMagnitudeNegativeFlux(t *testing.T) {
	c := Calib{ZeroPoint: 25.0}
	mag, magErr := c.Magnitude(-1, 1)
	if !math.IsNaN(mag) || !math.IsNaN(magErr) {
		t.Errorf("expected NaN for negative flux, got %v %v", mag, magErr)
	}
}
