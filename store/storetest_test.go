package store

import (
	"context"
	"errors"
	"testing"
)

// testLogStore runs the behaviour every DocumentStore shares. id must not
// exist yet.
func testLogStore(t *testing.T, s DocumentStore, id string) {
	t.Helper()
	ctx := context.Background()

	if err := s.Create(ctx, id, "secret"); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, id, "other"); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}

	info, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != id || info.Token != "secret" || info.Size != 0 {
		t.Errorf("unexpected info: %+v", info)
	}

	if err := s.Append(ctx, id, []byte("hello "), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, id, []byte("world"), 6); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, id, []byte("!"), 3); !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("stale append: got %v, want ErrOffsetMismatch", err)
	}

	info, err = s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 11 {
		t.Errorf("size = %d, want 11", info.Size)
	}

	for _, tc := range []struct {
		offset int64
		want   string
	}{
		{0, "hello world"},
		{6, "world"},
		{8, "rld"},
		{11, ""},
	} {
		got, err := s.ReadFrom(ctx, id, tc.offset)
		if err != nil {
			t.Fatalf("ReadFrom(%d): %v", tc.offset, err)
		}
		if string(got) != tc.want {
			t.Errorf("ReadFrom(%d) = %q, want %q", tc.offset, got, tc.want)
		}
	}
	if _, err := s.ReadFrom(ctx, id, 12); err == nil {
		t.Error("expected error reading past the end")
	}

	docs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range docs {
		if d.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("List does not include %q", id)
	}

	if _, err := s.Get(ctx, id+"-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
	if err := s.Append(ctx, id+"-missing", []byte("x"), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Append missing: got %v, want ErrNotFound", err)
	}
}
