package objgraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRootsSkipsCandidatesWithCandidateAncestors(t *testing.T) {
	app := NewApp("demo", 42)
	main := NewNode("QMainWindow", "main")
	dialog := NewNode("QDialog", "settings")
	main.AddChild(dialog)
	helper := NewNode("QTimer", "poll")
	app.AddChild(helper)

	app.AddWindow(main)
	app.AddWindow(dialog)
	app.AddWindow(main)

	got := Roots(app.RootCandidates())
	want := []Object{main, helper}
	if len(got) != len(want) {
		t.Fatalf("expected %d roots, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("root %d: expected %s, got %s", i, want[i].Name(), got[i].Name())
		}
	}
}

func TestSetNotifiesOnlyOnChange(t *testing.T) {
	n := NewNode("QSlider", "volume").
		Declare("value", float64(1), true).
		Declare("tracking", true, false)

	var hits int
	sub, ok := n.SubscribeProperty("value", func() { hits++ })
	if !ok {
		t.Fatalf("value should be notifiable")
	}
	if _, ok := n.SubscribeProperty("tracking", func() {}); ok {
		t.Fatalf("tracking has no notifier")
	}

	n.Set("value", float64(1))
	n.Set("value", float64(2))
	n.Set("tracking", false)
	if hits != 1 {
		t.Fatalf("expected 1 notification, got %d", hits)
	}
	sub.Cancel()
	n.Set("value", float64(3))
	if hits != 1 {
		t.Fatalf("notification after Cancel")
	}
}

func TestDynamicProperties(t *testing.T) {
	n := NewNode("QObject", "")
	var changed []string
	n.OnDynamicPropertyChanged(func(name string) { changed = append(changed, name) })

	n.Set("tag", "a")
	n.Set("tag", "a")
	n.Set("extra", float64(5))

	if diff := cmp.Diff([]string{"tag", "extra"}, changed); diff != "" {
		t.Fatalf("dynamic notifications (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tag", "extra"}, n.DynamicPropertyNames()); diff != "" {
		t.Fatalf("dynamic names (-want +got):\n%s", diff)
	}
	if v, ok := n.Property("extra"); !ok || v != float64(5) {
		t.Fatalf("Property(extra) = %v, %v", v, ok)
	}
}

func TestReparentAndDestroyOrdering(t *testing.T) {
	a := NewNode("QWidget", "a")
	b := NewNode("QWidget", "b")
	c := NewNode("QLabel", "c")
	a.AddChild(c)

	var events []string
	a.OnChildRemoved(func(o Object) { events = append(events, "a-removed:"+o.Name()) })
	b.OnChildAdded(func(o Object) { events = append(events, "b-added:"+o.Name()) })
	c.OnDestroyed(func() { events = append(events, "c-destroyed") })
	b.OnDestroyed(func() { events = append(events, "b-destroyed") })
	b.OnChildRemoved(func(o Object) { events = append(events, "b-removed:"+o.Name()) })

	c.SetParent(b)
	if c.Parent() != Object(b) {
		t.Fatalf("c should be parented to b")
	}
	b.Destroy()

	want := []string{"a-removed:c", "b-added:c", "b-destroyed", "c-destroyed"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if !c.Destroyed() || len(b.Children()) != 0 {
		t.Fatalf("destroy should tear down children")
	}
	if a.Parent() != nil {
		t.Fatalf("parentless node must report a nil Parent")
	}
}

func TestCancelDuringDispatch(t *testing.T) {
	n := NewNode("QObject", "")
	var second Subscription
	var calls []string
	n.OnDestroyed(func() {
		calls = append(calls, "first")
		second.Cancel()
	})
	second = n.OnDestroyed(func() { calls = append(calls, "second") })
	n.Destroy()
	if diff := cmp.Diff([]string{"first"}, calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}
