package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/config"
	"github.com/m4xw311/qtspy/discovery"
	"github.com/m4xw311/qtspy/protocol"
	"github.com/m4xw311/qtspy/terminal"
	"github.com/m4xw311/qtspy/tools"
	"github.com/m4xw311/qtspy/tools/mcp"
)

const qtMaps = "7f0000000000-7f0000100000 r-xp 00000000 08:01 42 /usr/lib/libQt5Widgets.so.5\n"

func fakeProcs(t *testing.T, procs map[int]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, cmdline := range procs {
		dir := filepath.Join(root, strconv.Itoa(pid))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		argv0 := filepath.Base(strings.SplitN(cmdline, "\x00", 2)[0])
		files := map[string]string{"maps": qtMaps, "cmdline": cmdline, "comm": argv0 + "\n"}
		for name, body := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return root
}

func newResolver(t *testing.T, procRoot string, stderr *bytes.Buffer) *resolver {
	t.Helper()
	s := discovery.NewScanner(t.TempDir())
	s.ProcRoot = procRoot
	return &resolver{
		scanner: s,
		dir:     s.EndpointDir,
		stderr:  terminal.NewPrinter(stderr, false),
		log:     zap.NewNop(),
		pick:    func([]discovery.Process) (int, error) { return 1, nil },
	}
}

func TestResolve(t *testing.T) {
	root := fakeProcs(t, map[int]string{
		200: "/usr/bin/designer\x00",
		300: "/opt/notes/notes\x00-title\x00Shopping\x00",
	})
	var stderr bytes.Buffer
	r := newResolver(t, root, &stderr)

	for _, tc := range []struct {
		name string
		opts options
		want target
	}{
		{"server", options{server: "qt_spy_custom_1"}, target{candidates: []string{"qt_spy_custom_1"}}},
		{"pid", options{pid: 200}, target{candidates: []string{"qt_spy_designer_200", "qt_spy_200"}, pid: 200}},
		{"auto picks the most recent", options{auto: true}, target{candidates: []string{"qt_spy_notes_300", "qt_spy_300"}, pid: 300}},
		{"name", options{name: "des*"}, target{candidates: []string{"qt_spy_designer_200", "qt_spy_200"}, pid: 200}},
		{"title", options{title: "shopping"}, target{candidates: []string{"qt_spy_notes_300", "qt_spy_300"}, pid: 300}},
		{"interactive", options{interactive: true}, target{candidates: []string{"qt_spy_designer_200", "qt_spy_200"}, pid: 200}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.resolve(&tc.opts)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(target{})); diff != "" {
				t.Fatalf("target (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	var stderr bytes.Buffer
	r := newResolver(t, fakeProcs(t, map[int]string{5: "/usr/bin/viewer\x00"}), &stderr)

	if _, err := r.resolve(&options{pid: -4}); err == nil {
		t.Error("negative pid must be rejected")
	}
	if _, err := r.resolve(&options{name: "gimp"}); err == nil || !strings.Contains(err.Error(), "gimp") {
		t.Errorf("unknown name: %v", err)
	}
	if _, err := r.resolve(&options{}); err == nil {
		t.Error("no selection flag must be an error")
	}
	if !strings.Contains(stderr.String(), "[1] viewer (PID: 5)") {
		t.Errorf("the process list must be shown when no selection flag is given:\n%s", stderr.String())
	}

	empty := newResolver(t, t.TempDir(), &stderr)
	if _, err := empty.resolve(&options{auto: true}); err == nil {
		t.Error("no Qt processes must be an error")
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{}
	var o options
	cmd.Flags().IntVar(&o.retries, "retries", -1, "")
	if err := cmd.Flags().Parse([]string{"--retries", "0"}); err != nil {
		t.Fatal(err)
	}
	o.noInject = true
	o.logLevel = "debug"

	cfg := config.Default()
	cfg.Retries = 7
	applyFlags(cmd, &o, cfg)
	if cfg.Retries != 0 || cfg.Inject || cfg.LogLevel != "debug" {
		t.Fatalf("flags must override config: %+v", cfg)
	}

	untouched := &cobra.Command{}
	untouched.Flags().IntVar(&o.retries, "retries", -1, "")
	cfg = config.Default()
	cfg.Retries = 7
	applyFlags(untouched, &options{}, cfg)
	if cfg.Retries != 7 {
		t.Fatalf("unset flags must not override config, got %d", cfg.Retries)
	}
}

type stubInspector struct{}

func (stubInspector) Snapshot(ctx context.Context) (*protocol.Message, error) {
	return &protocol.Message{Type: protocol.TypeSnapshot, RootIDs: []string{"node_1"}}, nil
}

func (stubInspector) Properties(ctx context.Context, id string) (*protocol.Message, error) {
	return &protocol.Message{Type: protocol.TypeProperties, ID: id, Properties: protocol.Properties{"objectName": "main"}}, nil
}

func (stubInspector) Select(ctx context.Context, id string) (*protocol.Message, error) {
	return &protocol.Message{Type: protocol.TypeSelectionAck, ID: id}, nil
}

func (stubInspector) Changes() []*protocol.Message { return nil }

// TestServeToolsHelper is the MCP server TestRemoteConsole launches.
func TestServeToolsHelper(t *testing.T) {
	if os.Getenv("QTSPY_TOOLS_HELPER") != "1" {
		return
	}
	active, _ := tools.NewToolRegistry(stubInspector{}).GetActiveTools(nil)
	if err := mcp.Serve(context.Background(), mcp.NewServer("qtspy", "test", active, nil)); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestRemoteConsole(t *testing.T) {
	t.Setenv("QTSPY_TOOLS_HELPER", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	in := strings.NewReader("props first-root\nchanges\n/quit\n")
	var out bytes.Buffer
	code, err := runRemoteConsole(ctx, os.Args[0]+" -test.run=^TestServeToolsHelper$", in, &out)
	if err != nil || code != 0 {
		t.Fatalf("runRemoteConsole = %d, %v\n%s", code, err, out.String())
	}
	for _, want := range []string{"Connected to", `"objectName": "main"`, "No changes."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("console output missing %q:\n%s", want, out.String())
		}
	}

	if code, err := runRemoteConsole(ctx, "  ", in, &out); err == nil || code != 1 {
		t.Error("an empty command must be rejected")
	}
}
