package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// backends opens one store of each kind in a temp directory.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	stores := map[string]Store{}
	for _, name := range []string{BackendMemory, BackendSQLite, BackendBolt} {
		s, err := Open(name, filepath.Join(dir, name+".db"))
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", name, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		stores[name] = s
	}
	return stores
}

func TestStore_Ghosts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetGhost("notes", "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetGhost(missing) error = %v, want ErrNotFound", err)
			}

			g := schema.Ghost{Key: "a", Version: 2, Value: jsondiff.MustParse(`{"title": "hi", "tags": ["x"]}`)}
			if err := s.SaveGhost("notes", g); err != nil {
				t.Fatalf("SaveGhost failed: %v", err)
			}
			got, err := s.GetGhost("notes", "a")
			if err != nil {
				t.Fatalf("GetGhost failed: %v", err)
			}
			if got.Key != g.Key || got.Version != g.Version {
				t.Errorf("GetGhost = %+v", got)
			}
			if diff := cmp.Diff(g.Value, got.Value); diff != "" {
				t.Errorf("ghost value mismatch (-want +got):\n%s", diff)
			}

			g.Version = 3
			g.Value = jsondiff.MustParse(`{"title": "bye"}`)
			if err := s.SaveGhost("notes", g); err != nil {
				t.Fatalf("SaveGhost(update) failed: %v", err)
			}
			got, _ = s.GetGhost("notes", "a")
			if got.Version != 3 || !got.Value.Equal(g.Value) {
				t.Errorf("updated ghost = %+v", got)
			}

			if _, err := s.GetGhost("other", "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ghost leaked across buckets: %v", err)
			}

			if err := s.SaveGhost("notes", schema.Ghost{Key: "b", Version: 1, Value: jsondiff.Object(nil)}); err != nil {
				t.Fatalf("SaveGhost(b) failed: %v", err)
			}
			keys, err := s.GhostKeys("notes")
			if err != nil {
				t.Fatalf("GhostKeys failed: %v", err)
			}
			if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
				t.Errorf("GhostKeys mismatch (-want +got):\n%s", diff)
			}

			if err := s.DeleteGhost("notes", "a"); err != nil {
				t.Fatalf("DeleteGhost failed: %v", err)
			}
			if err := s.DeleteGhost("notes", "a"); err != nil {
				t.Errorf("DeleteGhost(again) failed: %v", err)
			}
			if _, err := s.GetGhost("notes", "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetGhost(deleted) error = %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidGhost(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveGhost("notes", schema.Ghost{Version: 1, Value: jsondiff.Object(nil)}); err == nil {
				t.Error("expected error for ghost without key")
			}
			if err := s.SaveGhost("notes", schema.Ghost{Key: "a", Value: jsondiff.Number(1)}); err == nil {
				t.Error("expected error for non-object ghost")
			}
			if err := s.SaveGhost("", schema.NewGhost("a")); err == nil {
				t.Error("expected error for empty bucket")
			}
		})
	}
}

func TestStore_Objects(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetObject("notes", "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetObject(missing) error = %v", err)
			}

			for _, k := range []string{"c", "a", "b"} {
				if err := s.PutObject("notes", k, jsondiff.MustParse(`{"k": "`+k+`"}`)); err != nil {
					t.Fatalf("PutObject(%s) failed: %v", k, err)
				}
			}
			got, err := s.GetObject("notes", "b")
			if err != nil {
				t.Fatalf("GetObject failed: %v", err)
			}
			if !got.Equal(jsondiff.MustParse(`{"k": "b"}`)) {
				t.Errorf("GetObject = %s", got)
			}

			keys, err := s.ObjectKeys("notes")
			if err != nil {
				t.Fatalf("ObjectKeys failed: %v", err)
			}
			if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
				t.Errorf("ObjectKeys mismatch (-want +got):\n%s", diff)
			}

			if err := s.DeleteObject("notes", "b"); err != nil {
				t.Fatalf("DeleteObject failed: %v", err)
			}
			keys, _ = s.ObjectKeys("notes")
			if diff := cmp.Diff([]string{"a", "c"}, keys); diff != "" {
				t.Errorf("ObjectKeys after delete (-want +got):\n%s", diff)
			}

			empty, err := s.ObjectKeys("nothing")
			if err != nil || len(empty) != 0 {
				t.Errorf("ObjectKeys(unknown) = %v, %v", empty, err)
			}
		})
	}
}

func TestStore_ChangeVersionAndQueue(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cv, err := s.GetChangeVersion("notes")
			if err != nil || cv != "" {
				t.Fatalf("GetChangeVersion(unset) = %q, %v", cv, err)
			}
			if err := s.SetChangeVersion("notes", "cv1"); err != nil {
				t.Fatalf("SetChangeVersion failed: %v", err)
			}
			if err := s.SetChangeVersion("notes", "cv2"); err != nil {
				t.Fatalf("SetChangeVersion failed: %v", err)
			}
			if cv, _ := s.GetChangeVersion("notes"); cv != "cv2" {
				t.Errorf("GetChangeVersion = %q, want cv2", cv)
			}

			q, err := s.LoadQueue("notes")
			if err != nil || q != nil {
				t.Fatalf("LoadQueue(unset) = %q, %v", q, err)
			}
			if err := s.SaveQueue("notes", []byte(`{"queued":[]}`)); err != nil {
				t.Fatalf("SaveQueue failed: %v", err)
			}
			q, err = s.LoadQueue("notes")
			if err != nil {
				t.Fatalf("LoadQueue failed: %v", err)
			}
			if string(q) != `{"queued":[]}` {
				t.Errorf("LoadQueue = %q", q)
			}
		})
	}
}

func TestStore_ResetBucketAndStats(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, bucket := range []string{"notes", "todos"} {
				if err := s.SaveGhost(bucket, schema.Ghost{Key: "a", Version: 1, Value: jsondiff.Object(nil)}); err != nil {
					t.Fatalf("SaveGhost failed: %v", err)
				}
				if err := s.PutObject(bucket, "a", jsondiff.Object(nil)); err != nil {
					t.Fatalf("PutObject failed: %v", err)
				}
				if err := s.PutObject(bucket, "b", jsondiff.Object(nil)); err != nil {
					t.Fatalf("PutObject failed: %v", err)
				}
				if err := s.SetChangeVersion(bucket, "cv9"); err != nil {
					t.Fatalf("SetChangeVersion failed: %v", err)
				}
				if err := s.SaveQueue(bucket, []byte("1234")); err != nil {
					t.Fatalf("SaveQueue failed: %v", err)
				}
			}

			st, err := s.Stats("notes")
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			want := Stats{Objects: 2, Ghosts: 1, ChangeVersion: "cv9", QueueBytes: 4}
			if diff := cmp.Diff(want, st); diff != "" {
				t.Errorf("Stats mismatch (-want +got):\n%s", diff)
			}

			if err := s.ResetBucket("notes"); err != nil {
				t.Fatalf("ResetBucket failed: %v", err)
			}
			st, _ = s.Stats("notes")
			if diff := cmp.Diff(Stats{}, st); diff != "" {
				t.Errorf("Stats after reset (-want +got):\n%s", diff)
			}

			other, _ := s.Stats("todos")
			if other.Objects != 2 || other.ChangeVersion != "cv9" {
				t.Errorf("reset leaked into other bucket: %+v", other)
			}
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghostsync.db")
	s, err := Open(BackendSQLite, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SaveGhost("notes", schema.Ghost{Key: "a", Version: 5, Value: jsondiff.MustParse(`{"n": 1}`)}); err != nil {
		t.Fatalf("SaveGhost failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(BackendSQLite, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	g, err := s.GetGhost("notes", "a")
	if err != nil {
		t.Fatalf("GetGhost failed: %v", err)
	}
	if g.Version != 5 {
		t.Errorf("Version = %d, want 5", g.Version)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("redis", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestMemory_ClonesValues(t *testing.T) {
	m := NewMemory()
	v := jsondiff.MustParse(`{"a": [1]}`)
	if err := m.PutObject("b", "k", v); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	got, _ := m.GetObject("b", "k")
	if !got.Equal(v) {
		t.Fatalf("GetObject = %s", got)
	}
}
