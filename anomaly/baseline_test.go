package anomaly

import (
	"path/filepath"
	"testing"
)

func TestBaselineSaveLoad(t *testing.T) {
	in := Baseline{
		MeanCacheMissRate:  0.01,
		StdCacheMissRate:   0.001,
		MeanBranchMissRate: 0.005,
		StdBranchMissRate:  0.0005,
		MeanIPC:            1.5,
		StdIPC:             0.05,
		SampleCount:        60000,
		Ready:              true,
	}

	path := filepath.Join(t.TempDir(), "baseline.yaml")
	if err := in.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := LoadBaseline(path)
	if err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\nin  %+v\nout %+v", in, out)
	}
}

func TestBaselineSaveRequiresReady(t *testing.T) {
	b := Baseline{MeanIPC: 1.5}
	path := filepath.Join(t.TempDir(), "baseline.yaml")
	if err := b.Save(path); err == nil {
		t.Fatal("saving an unfinalized baseline should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadBaseline(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("loading an absent snapshot should fail")
	}
}
