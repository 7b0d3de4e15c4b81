package when

import (
	"testing"
)

func TestStore_SetGet(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("missing"); ok {
		t.Error("Get of missing key should report absent")
	}

	s.Set("k", "v1")
	if v, ok := s.Get("k"); !ok || v != "v1" {
		t.Errorf("Get(k) = %v, %v; want v1, true", v, ok)
	}

	// Last writer wins.
	s.Set("k", "v2")
	if v, _ := s.Get("k"); v != "v2" {
		t.Errorf("Get(k) = %v, want v2", v)
	}

	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Error("Get after Delete should report absent")
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()

	var gotKey string
	var gotValue any
	calls := 0
	h := s.Subscribe("watched", func(key string, value any) {
		gotKey = key
		gotValue = value
		calls++
	})

	s.Set("other", 1)
	if calls != 0 {
		t.Fatal("subscriber fired for unrelated key")
	}

	// Notification is synchronous on the setter's goroutine.
	s.Set("watched", "on")
	if calls != 1 || gotKey != "watched" || gotValue != "on" {
		t.Fatalf("after Set: calls=%d key=%q value=%v", calls, gotKey, gotValue)
	}

	s.Delete("watched")
	if calls != 2 || gotValue != nil {
		t.Fatalf("after Delete: calls=%d value=%v", calls, gotValue)
	}

	// Deleting an absent key does not notify.
	s.Delete("watched")
	if calls != 2 {
		t.Fatalf("Delete of absent key notified: calls=%d", calls)
	}

	h.Close()
	s.Set("watched", "again")
	if calls != 2 {
		t.Error("subscriber fired after handle was closed")
	}

	// Close is idempotent.
	h.Close()
}

func TestStore_SubscriberCanReadStore(t *testing.T) {
	s := NewStore()
	var seen any
	s.Subscribe("k", func(key string, value any) {
		seen, _ = s.Get(key)
	})
	s.Set("k", 42)
	if seen != 42 {
		t.Errorf("subscriber read %v from store, want 42", seen)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"x", true},
		{float64(0), false},
		{float64(1.5), true},
		{0, false},
		{7, true},
	}
	for _, tc := range cases {
		if got := Truthy(tc.v); got != tc.want {
			t.Errorf("Truthy(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestValueString(t *testing.T) {
	cases := []struct {
		v    any
		want string
	}{
		{nil, ""},
		{true, "true"},
		{false, "false"},
		{"s", "s"},
		{float64(3), "3"},
		{float64(3.25), "3.25"},
		{int64(9), "9"},
	}
	for _, tc := range cases {
		if got := ValueString(tc.v); got != tc.want {
			t.Errorf("ValueString(%v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}
