package history_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/carterjones/signalr-tester/internal/args"
	"github.com/carterjones/signalr-tester/internal/history"
	"github.com/carterjones/signalr-tester/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// failingStore accepts loads and refuses saves.
type failingStore struct {
	*storage.Memory
}

func (failingStore) Save(string, interface{}) error {
	return errors.New("disk full")
}

func urls(items []history.Connection) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.URL)
	}
	return out
}

func methodNames(items []history.Method) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.MethodName)
	}
	return out
}

func TestConnections(t *testing.T) {
	cases := map[string]struct {
		add    []string
		delete []string
		exp    []string
	}{
		"newest first": {
			add: []string{"a", "b", "c"},
			exp: []string{"c", "b", "a"},
		},
		"same url moves to the front": {
			add: []string{"a", "b", "a"},
			exp: []string{"a", "b"},
		},
		"bounded to ten": {
			add: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12"},
			exp: []string{"12", "11", "10", "9", "8", "7", "6", "5", "4", "3"},
		},
		"delete": {
			add:    []string{"a", "b", "c"},
			delete: []string{"b", "missing"},
			exp:    []string{"c", "a"},
		},
	}

	for id, tc := range cases {
		h := history.LoadConnections(storage.NewMemory(), history.DefaultMaxConnections, nil)
		for _, u := range tc.add {
			if err := h.Add(history.Connection{URL: u}); err != nil {
				t.Fatalf("%s | add: %v", id, err)
			}
		}
		for _, u := range tc.delete {
			if err := h.Delete(u); err != nil {
				t.Fatalf("%s | delete: %v", id, err)
			}
		}

		if diff := cmp.Diff(tc.exp, urls(h.List())); diff != "" {
			t.Errorf("%s | history (-exp +got):\n%s", id, diff)
		}
	}
}

func TestConnections_persisted(t *testing.T) {
	store := storage.NewMemory()

	h := history.LoadConnections(store, 0, nil)
	item := history.Connection{
		URL:             "https://example.com/hub",
		UseToken:        true,
		Token:           "secret",
		Transport:       "longPolling",
		WithCredentials: true,
		LastConnected:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := h.Add(item); err != nil {
		t.Fatal(err)
	}

	reloaded := history.LoadConnections(store, 0, nil)
	got, found := reloaded.Find(item.URL)
	if !found {
		t.Fatal("connection not found after reload")
	}
	if diff := cmp.Diff(item, got); diff != "" {
		t.Errorf("reloaded connection (-exp +got):\n%s", diff)
	}

	if _, found := reloaded.Find("https://other"); found {
		t.Error("unexpected entry for an unknown url")
	}
}

func TestConnections_corruptStorage(t *testing.T) {
	store := storage.NewMemory()
	if err := store.Save(history.ConnectionsKey, "not a list"); err != nil {
		t.Fatal(err)
	}

	h := history.LoadConnections(store, 0, nil)
	if n := len(h.List()); n != 0 {
		t.Errorf("exp empty history, got %d entries", n)
	}
}

func TestConnections_saveFailure(t *testing.T) {
	h := history.LoadConnections(failingStore{storage.NewMemory()}, 0, nil)

	err := h.Add(history.Connection{URL: "a"})
	if err == nil {
		t.Fatal("exp a save error")
	}

	// The in-memory history still changes.
	if diff := cmp.Diff([]string{"a"}, urls(h.List())); diff != "" {
		t.Errorf("history (-exp +got):\n%s", diff)
	}
}

func TestMethods(t *testing.T) {
	h := history.LoadMethods(storage.NewMemory(), history.DefaultMaxMethods, nil)

	for i := 0; i < 25; i++ {
		if _, err := h.Add("hub-a", history.Method{MethodName: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.Add("hub-b", history.Method{MethodName: "other"}); err != nil {
		t.Fatal(err)
	}

	list := h.List("hub-a")
	if len(list) != 20 {
		t.Fatalf("exp 20 entries, got %d", len(list))
	}
	if list[0].MethodName != "m24" || list[19].MethodName != "m5" {
		t.Errorf("exp m24..m5, got %s..%s", list[0].MethodName, list[19].MethodName)
	}

	got := h.URLs()
	sort.Strings(got)
	if diff := cmp.Diff([]string{"hub-a", "hub-b"}, got); diff != "" {
		t.Errorf("urls (-exp +got):\n%s", diff)
	}

	if err := h.DeleteAll("hub-a"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.List("hub-a")); n != 0 {
		t.Errorf("exp no entries after delete all, got %d", n)
	}
}

func TestMethods_Delete(t *testing.T) {
	h := history.LoadMethods(storage.NewMemory(), 0, nil)

	// Two items recorded in the same instant stay distinct.
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := h.Add("hub", history.Method{MethodName: "Echo", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.Add("hub", history.Method{MethodName: "Echo", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Delete("hub", first.ID); err != nil {
		t.Fatal(err)
	}
	list := h.List("hub")
	if len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("exp only the second item, got %+v", list)
	}

	if err := h.Delete("hub", second.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(h.URLs()); n != 0 {
		t.Errorf("exp the url to be dropped, got %d urls", n)
	}
}

func TestMethods_argsAreCopied(t *testing.T) {
	h := history.LoadMethods(storage.NewMemory(), 0, nil)

	in := []args.Arg{{ID: "1", Type: args.Text, Value: "hi"}}
	if _, err := h.Add("hub", history.Method{MethodName: "Echo", Args: in}); err != nil {
		t.Fatal(err)
	}
	in[0].Value = "changed"

	out := h.List("hub")
	if out[0].Args[0].Value != "hi" {
		t.Errorf("history shares the caller's slice: %q", out[0].Args[0].Value)
	}

	out[0].Args[0].Value = "changed again"
	if h.List("hub")[0].Args[0].Value != "hi" {
		t.Error("List shares the history's slice")
	}
}

func TestMethods_reload(t *testing.T) {
	store := storage.NewMemory()

	// Entries from older files have no id.
	legacy := map[string][]history.Method{
		"hub": {{MethodName: "a"}, {MethodName: "b"}},
	}
	if err := store.Save(history.MethodsKey, legacy); err != nil {
		t.Fatal(err)
	}

	h := history.LoadMethods(store, 0, nil)
	list := h.List("hub")
	if diff := cmp.Diff([]string{"a", "b"}, methodNames(list)); diff != "" {
		t.Errorf("methods (-exp +got):\n%s", diff)
	}
	for _, item := range list {
		if item.ID == "" {
			t.Errorf("%s has no id", item.MethodName)
		}
	}
}
