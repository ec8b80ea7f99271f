package rules

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInMemoryRuleStoreCRUD(t *testing.T) {
	store := NewInMemoryRuleStore()

	rule := &Rule{ID: "r1", Name: "first", Expression: `true`, Points: 10, Position: 1, Active: true}
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rule.CreatedAt.IsZero() || !rule.CreatedAt.Equal(rule.UpdatedAt) {
		t.Errorf("Add() timestamps = %v / %v", rule.CreatedAt, rule.UpdatedAt)
	}

	if err := store.Add(&Rule{ID: "r1"}); !errors.Is(err, ErrRuleExists) {
		t.Errorf("Add(duplicate) error = %v, want ErrRuleExists", err)
	}

	got, err := store.Get("r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Points != 10 || got.Position != 1 {
		t.Errorf("Get() = %+v", got)
	}

	created := got.CreatedAt
	time.Sleep(time.Millisecond)
	if err := store.Update(&Rule{ID: "r1", Name: "first", Expression: `false`, Points: 20, Active: true}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, _ = store.Get("r1")
	if !got.CreatedAt.Equal(created) {
		t.Error("Update() must preserve CreatedAt")
	}
	if !got.UpdatedAt.After(created) {
		t.Error("Update() must advance UpdatedAt")
	}
	if got.Points != 20 {
		t.Errorf("Points after update = %d, want 20", got.Points)
	}

	if err := store.Delete("r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get("r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	if err := store.Update(&Rule{ID: "missing"}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() error = %v, want ErrRuleNotFound", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Delete() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreListActiveOrder(t *testing.T) {
	store := NewInMemoryRuleStore()

	for _, r := range []*Rule{
		{ID: "d", Position: 3, Active: true},
		{ID: "b", Position: 1, Active: true},
		{ID: "a", Position: 1, Active: true},
		{ID: "x", Position: 0, Active: false},
		{ID: "c", Position: 2, Active: true},
	} {
		store.Add(r)
	}

	// Map iteration is random; repeat to catch any ordering leak.
	for i := range 20 {
		active, err := store.ListActive()
		if err != nil {
			t.Fatalf("ListActive() failed: %v", err)
		}
		var ids string
		for _, r := range active {
			ids += r.ID
		}
		if ids != "abcd" {
			t.Fatalf("iteration %d: ListActive() order = %s, want abcd", i, ids)
		}
	}
}

func TestInMemoryRuleStoreListActiveEmpty(t *testing.T) {
	store := NewInMemoryRuleStore()
	store.Add(&Rule{ID: "off", Active: false})

	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() returned %d rules, want 0", len(active))
	}
}

func TestInMemoryRuleStoreConcurrentAccess(t *testing.T) {
	store := NewInMemoryRuleStore()
	for i := range 10 {
		store.Add(&Rule{ID: fmt.Sprintf("rule-%d", i), Active: true})
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := store.Get("rule-5"); err != nil {
					t.Errorf("concurrent Get() failed: %v", err)
				}
				if _, err := store.ListActive(); err != nil {
					t.Errorf("concurrent ListActive() failed: %v", err)
				}
			}
		}()
	}
	for w := range 3 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := range 100 {
				if j%2 == 0 {
					store.Add(&Rule{ID: fmt.Sprintf("writer-%d-%d", w, j), Active: true})
				} else {
					store.Update(&Rule{ID: "rule-5", Active: true})
				}
			}
		}(w)
	}
	wg.Wait()

	active, _ := store.ListActive()
	if len(active) != 10+3*50 {
		t.Errorf("got %d active rules, want %d", len(active), 160)
	}
}

func TestInMemoryRulesCache(t *testing.T) {
	c := NewInMemoryRulesCache(DefaultCacheConfig())
	if c.Get() != nil || c.IsValid() {
		t.Fatal("new cache should be empty")
	}

	rules := []*Rule{{ID: "a"}, {ID: "b"}}
	c.Set(rules)
	rules[0] = &Rule{ID: "mutated"}

	got := c.Get()
	if len(got) != 2 || got[0].ID != "a" {
		t.Errorf("cache must hold its own copy of the slice, got %+v", got)
	}

	c.Invalidate()
	if c.Get() != nil || c.IsValid() {
		t.Error("Invalidate() should clear the cache")
	}
}

func TestInMemoryRulesCacheTTL(t *testing.T) {
	c := NewInMemoryRulesCache(CacheConfig{TTL: 10 * time.Millisecond})
	c.Set([]*Rule{{ID: "a"}})
	if !c.IsValid() {
		t.Fatal("cache should be valid right after Set")
	}

	time.Sleep(20 * time.Millisecond)
	if c.IsValid() || c.Get() != nil {
		t.Error("cache should expire after TTL")
	}
}

func TestInMemoryRuleStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := &Rule{ID: "r1", Expression: `true`, Points: 10, Active: true}
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func()
	}{
		{"added pointer", func() { rule.Points = 99 }},
		{"fetched rule", func() {
			got, _ := store.Get("r1")
			got.Points = 99
		}},
		{"listed rule", func() {
			active, _ := store.ListActive()
			active[0].Active = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.mutate()
			got, err := store.Get("r1")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got.Points != 10 || !got.Active {
				t.Errorf("stored rule changed through a caller copy: %+v", got)
			}
		})
	}
}

func TestInMemoryRuleStoreTimestampsFromClock(t *testing.T) {
	store := NewInMemoryRuleStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.clock = func() time.Time { return now }

	rule := &Rule{ID: "r1", Active: true}
	store.Add(rule)
	now = base.Add(time.Hour)
	update := &Rule{ID: "r1", Points: 5, Active: true}
	if err := store.Update(update); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !update.CreatedAt.Equal(base) || !update.UpdatedAt.Equal(now) {
		t.Errorf("Update() stamped %v / %v", update.CreatedAt, update.UpdatedAt)
	}

	got, _ := store.Get("r1")
	if !got.CreatedAt.Equal(base) || !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("stored timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}
