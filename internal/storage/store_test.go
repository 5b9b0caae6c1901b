package storage

import (
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

func sampleRun(t *testing.T) (*Store, string) {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	history := []diag.Diagnostics{
		{Time: 0, Nsph: 2, Ekin: 1.5, Etherm: 0.5, Etot: 2.0},
		{Time: 0.1, Nsph: 2, Ekin: 1.4, Etherm: 0.6, Etot: 2.0, Mom: geometry.Vec{0.25}},
	}
	snap := particle.NewStore(3, 4)
	if err := snap.SetReal(2); err != nil {
		t.Fatal(err)
	}
	snap.At(0).R = geometry.Vec{0.1, 0.2, 0.3}
	snap.At(0).M = 0.5
	snap.At(1).Rho = 1.25

	id, err := s.Save("test", "box", 42, 3, 7, 1e-6, history, snap)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	return s, id
}

func TestSaveAndLoadMetadata(t *testing.T) {
	s, id := sampleRun(t)

	meta, err := s.Load(id)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if meta.Preset != "box" || meta.Seed != 42 || meta.Steps != 7 {
		t.Errorf("metadata mismatch: %+v", meta)
	}
	if meta.Nsph != 2 {
		t.Errorf("nsph = %d, want 2", meta.Nsph)
	}
	if meta.TEnd != 0.1 {
		t.Errorf("tend = %g, want 0.1", meta.TEnd)
	}
}

func TestListFindsRuns(t *testing.T) {
	s, id := sampleRun(t)

	runs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Errorf("expected the saved run in the listing, got %+v", runs)
	}
}

func TestListEmptyDirIsNotAnError(t *testing.T) {
	s := New(t.TempDir() + "/nonexistent")
	runs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}

func TestLoadDiagnosticsRoundTrip(t *testing.T) {
	s, id := sampleRun(t)

	cols, err := s.LoadDiagnostics(id)
	if err != nil {
		t.Fatalf("load diagnostics failed: %v", err)
	}
	times := cols["time"]
	if len(times) != 2 || times[1] != 0.1 {
		t.Errorf("time column = %v", times)
	}
	if math.Abs(cols["ekin"][1]-1.4) > 1e-12 {
		t.Errorf("ekin column = %v", cols["ekin"])
	}
	if math.Abs(cols["momx"][1]-0.25) > 1e-12 {
		t.Errorf("momx column = %v", cols["momx"])
	}
}
