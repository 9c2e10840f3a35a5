package routing

import (
	"fmt"
	"testing"
)

func TestLongestPrefixWins(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.", "peer-a", 0)
	tbl.Insert("g.b.", "peer-b", 0)
	tbl.Insert("g.b.alice.", "peer-c", 0)

	cases := []struct {
		destination string
		nextHop     string
	}{
		{"g.b.alice.request", "peer-c"},
		{"g.b.bob", "peer-b"},
		{"g.other", "peer-a"},
	}
	for _, tc := range cases {
		e := tbl.LongestPrefixMatch(tc.destination)
		if e == nil {
			t.Fatalf("%s: no route", tc.destination)
		}
		if e.NextHop != tc.nextHop {
			t.Errorf("%s: next hop = %s, want %s", tc.destination, e.NextHop, tc.nextHop)
		}
	}
}

func TestNoRouteReturnsNil(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.b.", "peer-b", 0)
	if e := tbl.LongestPrefixMatch("private.x"); e != nil {
		t.Fatalf("got %+v, want nil", e)
	}
	if e := NewTable().LongestPrefixMatch("g.b.alice"); e != nil {
		t.Fatalf("empty table got %+v, want nil", e)
	}
}

func TestPriorityBreaksEqualPrefixes(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.b.", "backup", 1)
	tbl.Insert("g.b.", "primary", 10)

	e := tbl.LongestPrefixMatch("g.b.alice")
	if e == nil || e.NextHop != "primary" {
		t.Fatalf("got %+v, want primary", e)
	}
}

func TestInsertionOrderBreaksFullTies(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.b.", "first", 5)
	tbl.Insert("g.b.", "second", 5)

	e := tbl.LongestPrefixMatch("g.b.alice")
	if e == nil || e.NextHop != "first" {
		t.Fatalf("got %+v, want first", e)
	}
}

func TestInsertInvalidatesCachedLookups(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.", "peer-a", 0)

	if e := tbl.LongestPrefixMatch("g.b.alice"); e == nil || e.NextHop != "peer-a" {
		t.Fatalf("got %+v, want peer-a", e)
	}

	// A more specific route must take effect despite the cached lookup.
	tbl.Insert("g.b.", "peer-b", 0)
	if e := tbl.LongestPrefixMatch("g.b.alice"); e == nil || e.NextHop != "peer-b" {
		t.Fatalf("after insert got %+v, want peer-b", e)
	}
}

func TestReinsertUpdatesPriority(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.b.", "peer-a", 1)
	tbl.Insert("g.b.", "peer-b", 5)
	tbl.Insert("g.b.", "peer-a", 10)

	if e := tbl.LongestPrefixMatch("g.b.alice"); e == nil || e.NextHop != "peer-a" {
		t.Fatalf("got %+v, want peer-a", e)
	}
	if got := len(tbl.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
}

func TestRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("g.b.", "peer-b", 0)
	tbl.Insert("g.", "peer-a", 0)

	if !tbl.Remove("g.b.", "peer-b") {
		t.Fatal("Remove returned false for existing route")
	}
	if tbl.Remove("g.b.", "peer-b") {
		t.Fatal("Remove returned true for missing route")
	}
	if e := tbl.LongestPrefixMatch("g.b.alice"); e == nil || e.NextHop != "peer-a" {
		t.Fatalf("got %+v, want fallback peer-a", e)
	}
}

func TestConcurrentLookups(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 50; i++ {
		tbl.Insert(fmt.Sprintf("g.peer%d.", i), fmt.Sprintf("peer-%d", i), 0)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			tbl.Insert(fmt.Sprintf("g.extra%d.", i), "extra", 0)
		}
	}()
	for i := 0; i < 1000; i++ {
		dest := fmt.Sprintf("g.peer%d.alice", i%50)
		if e := tbl.LongestPrefixMatch(dest); e == nil {
			t.Fatalf("%s: no route", dest)
		}
	}
	<-done
}
