package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/m4xw311/qtspy/discovery"
)

func TestCandidates(t *testing.T) {
	s := discovery.NewScanner(t.TempDir())
	s.ProcRoot = t.TempDir()

	got, err := candidates(&options{server: "qt_spy_x_1", pid: 9}, s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"qt_spy_x_1"}, got); diff != "" {
		t.Fatalf("server wins (-want +got):\n%s", diff)
	}

	got, err = candidates(&options{pid: 77}, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[len(got)-1] != "qt_spy_77" {
		t.Fatalf("pid candidates must end with the pid-only name, got %v", got)
	}

	if _, err := candidates(&options{pid: -1}, s); err == nil {
		t.Error("negative pid must be rejected")
	}
	if _, err := candidates(&options{}, s); err == nil {
		t.Error("a target is required")
	}
}
