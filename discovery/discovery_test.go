package discovery

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/procfs"
)

const qtMaps = "7f0000000000-7f0000100000 r-xp 00000000 08:01 42 /usr/lib/x86_64-linux-gnu/libQt6Core.so.6.5.0\n"
const plainMaps = "7f0000000000-7f0000100000 r-xp 00000000 08:01 43 /usr/lib/x86_64-linux-gnu/libc.so.6\n"

func fakeProc(t *testing.T, pid int, comm, cmdline, maps string) string {
	t.Helper()
	root := t.TempDir()
	addProc(t, root, pid, comm, cmdline, maps)
	return root
}

func addProc(t *testing.T, root string, pid int, comm, cmdline, maps string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"comm": comm + "\n", "cmdline": cmdline, "maps": maps} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHasToolkit(t *testing.T) {
	qt := []*procfs.ProcMap{{Pathname: ""}, {Pathname: "/usr/lib/x86_64-linux-gnu/libQt6Core.so.6.5.0"}}
	if !HasToolkit(qt) {
		t.Fatal("libQt6Core must be recognized")
	}
	if !HasToolkit([]*procfs.ProcMap{{Pathname: "/opt/app/lib/Qt5Widgets.dll"}}) {
		t.Fatal("signature match is case-insensitive and path-agnostic")
	}
	if HasToolkit([]*procfs.ProcMap{{Pathname: "/usr/lib/x86_64-linux-gnu/libc.so.6"}, {Pathname: "[heap]"}}) {
		t.Fatal("libc alone is not a Qt process")
	}
}

func TestScannerList(t *testing.T) {
	root := fakeProc(t, 100, "editor", "/usr/bin/editor.bin\x00--title\x00Notes\x00", qtMaps)
	addProc(t, root, 250, "viewer", "/opt/viewer/viewer\x00", qtMaps)
	addProc(t, root, 300, "bash", "/bin/bash\x00", plainMaps)
	if err := os.MkdirAll(filepath.Join(root, "self"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewScanner(t.TempDir())
	s.ProcRoot = root
	procs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Process{
		{Pid: 250, Name: "viewer", Comm: "viewer", CommandLine: "/opt/viewer/viewer"},
		{Pid: 100, Name: "editor", Comm: "editor", CommandLine: "/usr/bin/editor.bin --title Notes"},
	}
	if diff := cmp.Diff(want, procs); diff != "" {
		t.Fatalf("processes (-want +got):\n%s", diff)
	}
}

func TestScannerReadsSingleProcess(t *testing.T) {
	root := fakeProc(t, 42, "editor", "/usr/bin/editor\x00", qtMaps)
	addProc(t, root, 43, "bash", "/bin/bash\x00", plainMaps)

	s := NewScanner(t.TempDir())
	s.ProcRoot = root
	if got := s.Comm(42); got != "editor" {
		t.Fatalf("Comm(42) = %q", got)
	}
	if got := s.Comm(44); got != "" {
		t.Fatalf("Comm of a missing process = %q", got)
	}
	if _, ok := s.Inspect(43); ok {
		t.Fatal("a process without Qt mappings is not inspected")
	}
	if p, ok := s.Inspect(42); !ok || p.Name != "editor" || p.CommandLine != "/usr/bin/editor" {
		t.Fatalf("Inspect(42) = %+v, %v", p, ok)
	}

	s.ProcRoot = filepath.Join(root, "missing")
	if _, err := s.List(); err == nil {
		t.Fatal("List must fail without a procfs root")
	}
	if s.Comm(42) != "" {
		t.Fatal("Comm must be empty without a procfs root")
	}
}

func TestAgentActive(t *testing.T) {
	dir, err := os.MkdirTemp("", "qd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	ln, err := net.Listen("unix", filepath.Join(dir, "qt_spy_editor_77"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	s := NewScanner(dir)
	s.ProcRoot = fakeProc(t, 77, "editor", "editor\x00", qtMaps)
	p, ok := s.Inspect(77)
	if !ok || !p.AgentActive {
		t.Fatalf("listening agent must be reported, got %+v", p)
	}
	if s.AgentActive(78, "editor") {
		t.Fatal("no agent listens for pid 78")
	}
}

func TestCandidates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"qt_spy_Custom_Name_42", "qt_spy_other_4242", "unrelated_42"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	got := Candidates(dir, 42, "my app")
	want := []string{"qt_spy_Custom_Name_42", "qt_spy_my_app_42", "qt_spy_42"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}

	got = Candidates(dir, 9, "")
	if diff := cmp.Diff([]string{"qt_spy_9"}, got); diff != "" {
		t.Fatalf("unknown comm collapses to the numeric name (-want +got):\n%s", diff)
	}
}

func TestFindByName(t *testing.T) {
	procs := []Process{
		{Pid: 3, Name: "designer-preview", Comm: "designer-previ"},
		{Pid: 2, Name: "Designer", Comm: "designer"},
		{Pid: 1, Name: "assistant", Comm: "assistant"},
	}
	for _, tc := range []struct {
		query string
		pid   int
	}{
		{"designer", 2},
		{"assist*", 1},
		{"preview", 3},
		{"d*-preview", 3},
	} {
		p, ok := FindByName(procs, tc.query)
		if !ok || p.Pid != tc.pid {
			t.Errorf("FindByName(%q) = %d,%v want %d", tc.query, p.Pid, ok, tc.pid)
		}
	}
	if _, ok := FindByName(procs, "gimp"); ok {
		t.Error("no process is named gimp")
	}
}

func TestFindByTitle(t *testing.T) {
	procs := []Process{{Pid: 5, Name: "editor", CommandLine: "/usr/bin/editor -title Quarterly Report"}}
	if p, ok := FindByTitle(procs, "quarterly"); !ok || p.Pid != 5 {
		t.Fatalf("title match = %+v,%v", p, ok)
	}
	if _, ok := FindByTitle(procs, "budget"); ok {
		t.Fatal("unexpected match")
	}
}
