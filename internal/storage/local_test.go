package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	snaperr "github.com/bleepstore/snapstore/internal/errors"
)

// backendFactory builds a fresh backend with bucket "b" already created.
type backendFactory func(t *testing.T) Backend

func localFactory(t *testing.T) Backend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	if err := backend.CreateBucket("b"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	return backend
}

func memoryFactory(t *testing.T) Backend {
	t.Helper()
	return NewMemoryBackend("b")
}

func sqliteFactory(t *testing.T) Backend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	if err := backend.CreateBucket(context.Background(), "b"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	return backend
}

var factories = map[string]backendFactory{
	"local":  localFactory,
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
}

func put(t *testing.T, b Backend, key, content string) {
	t.Helper()
	if err := b.PutObject(context.Background(), "b", key, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("PutObject(%q) failed: %v", key, err)
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			ok, err := b.ObjectExists(ctx, "b", "dir/blob")
			if err != nil || ok {
				t.Fatalf("ObjectExists before put = %v, %v", ok, err)
			}
			if _, _, err := b.GetObject(ctx, "b", "dir/blob"); !errors.Is(err, snaperr.ErrNoSuchKey) {
				t.Fatalf("GetObject before put error = %v, want ErrNoSuchKey", err)
			}

			put(t, b, "dir/blob", "hello")

			ok, err = b.ObjectExists(ctx, "b", "dir/blob")
			if err != nil || !ok {
				t.Fatalf("ObjectExists after put = %v, %v", ok, err)
			}
			rc, size, err := b.GetObject(ctx, "b", "dir/blob")
			if err != nil {
				t.Fatalf("GetObject failed: %v", err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			if string(data) != "hello" || size != 5 {
				t.Errorf("GetObject = %q (%d), want hello (5)", data, size)
			}

			put(t, b, "dir/blob", "replaced")
			rc, _, _ = b.GetObject(ctx, "b", "dir/blob")
			data, _ = io.ReadAll(rc)
			rc.Close()
			if string(data) != "replaced" {
				t.Errorf("GetObject after overwrite = %q", data)
			}
		})
	}
}

func TestBackendBucketExists(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			if ok, err := b.BucketExists(ctx, "b"); err != nil || !ok {
				t.Errorf("BucketExists(b) = %v, %v", ok, err)
			}
			if ok, err := b.BucketExists(ctx, "nope"); err != nil || ok {
				t.Errorf("BucketExists(nope) = %v, %v", ok, err)
			}
		})
	}
}

func TestBackendDeleteIsIdempotent(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			put(t, b, "x", "1")
			if err := b.DeleteObject(ctx, "b", "x"); err != nil {
				t.Fatalf("DeleteObject failed: %v", err)
			}
			if err := b.DeleteObject(ctx, "b", "x"); err != nil {
				t.Fatalf("second DeleteObject failed: %v", err)
			}
			if ok, _ := b.ObjectExists(ctx, "b", "x"); ok {
				t.Error("object exists after delete")
			}
		})
	}
}

func TestBackendDeleteObjects(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				put(t, b, fmt.Sprintf("k%d", i), "v")
			}
			if err := b.DeleteObjects(ctx, "b", []string{"k0", "k2", "absent"}); err != nil {
				t.Fatalf("DeleteObjects failed: %v", err)
			}
			page, err := b.ListObjects(ctx, "b", "", "", 10)
			if err != nil {
				t.Fatalf("ListObjects failed: %v", err)
			}
			if len(page.Objects) != 2 || page.Objects[0].Key != "k1" || page.Objects[1].Key != "k3" {
				t.Errorf("remaining = %+v, want k1, k3", page.Objects)
			}
		})
	}
}

func TestBackendCopyObject(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			put(t, b, "src", "payload")
			if err := b.CopyObject(ctx, "b", "src", "nested/dst"); err != nil {
				t.Fatalf("CopyObject failed: %v", err)
			}
			rc, _, err := b.GetObject(ctx, "b", "nested/dst")
			if err != nil {
				t.Fatalf("GetObject(dst) failed: %v", err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			if string(data) != "payload" {
				t.Errorf("dst = %q", data)
			}
			if ok, _ := b.ObjectExists(ctx, "b", "src"); !ok {
				t.Error("copy removed the source")
			}
			if err := b.CopyObject(ctx, "b", "missing", "x"); !errors.Is(err, snaperr.ErrNoSuchKey) {
				t.Errorf("CopyObject(missing) error = %v, want ErrNoSuchKey", err)
			}
		})
	}
}

func TestBackendListPagination(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				put(t, b, fmt.Sprintf("snap/%02d", i), strings.Repeat("x", i))
			}
			put(t, b, "other/a", "y")
			put(t, b, "snapshot-extra", "z")

			seen := map[string]int64{}
			marker := ""
			for pages := 0; ; pages++ {
				if pages > 10 {
					t.Fatal("listing did not terminate")
				}
				page, err := b.ListObjects(ctx, "b", "snap/", marker, 4)
				if err != nil {
					t.Fatalf("ListObjects failed: %v", err)
				}
				if len(page.Objects) > 4 {
					t.Fatalf("page has %d objects, want <= 4", len(page.Objects))
				}
				for _, o := range page.Objects {
					if _, dup := seen[o.Key]; dup {
						t.Fatalf("duplicate key %q", o.Key)
					}
					seen[o.Key] = o.Size
				}
				if !page.Truncated {
					break
				}
				marker = page.NextMarker
			}
			if len(seen) != 10 {
				t.Fatalf("listed %d keys, want 10", len(seen))
			}
			if seen["snap/07"] != 7 {
				t.Errorf("size of snap/07 = %d, want 7", seen["snap/07"])
			}
		})
	}
}

func TestBackendMissingBucket(t *testing.T) {
	for name, factory := range factories {
		if name == "sqlite" {
			// SQLite lists rows by bucket column and reports an empty page.
			continue
		}
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			_, err := b.ListObjects(context.Background(), "nope", "", "", 10)
			if !errors.Is(err, snaperr.ErrNoSuchBucket) {
				t.Errorf("ListObjects(nope) error = %v, want ErrNoSuchBucket", err)
			}
		})
	}
}

func TestBackendRejectsShortBody(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()
			err := b.PutObject(ctx, "b", "short", strings.NewReader("abc"), 10)
			if err == nil {
				t.Fatal("PutObject with a body shorter than size succeeded")
			}
			if ok, _ := b.ObjectExists(ctx, "b", "short"); ok {
				t.Error("short body was stored")
			}
		})
	}
}

func TestLocalRejectsKeysOutsideBucket(t *testing.T) {
	parent := t.TempDir()
	b, err := NewLocalBackend(filepath.Join(parent, "data"))
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	if err := b.CreateBucket("b"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"../../escaped", "../sibling", "a/../../x", "/abs"} {
		if err := b.PutObject(ctx, "b", key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) succeeded, want error", key)
		}
		if _, err := b.ObjectExists(ctx, "b", key); err == nil {
			t.Errorf("ObjectExists(%q) succeeded, want error", key)
		}
		if _, _, err := b.GetObject(ctx, "b", key); err == nil {
			t.Errorf("GetObject(%q) succeeded, want error", key)
		}
		if err := b.DeleteObject(ctx, "b", key); err == nil {
			t.Errorf("DeleteObject(%q) succeeded, want error", key)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped")); !os.IsNotExist(err) {
		t.Errorf("object written outside the storage root: %v", err)
	}

	// Dot segments that stay inside the bucket are fine.
	put(t, b, "a/../inside", "ok")
	if ok, err := b.ObjectExists(ctx, "b", "inside"); err != nil || !ok {
		t.Errorf("ObjectExists(inside) = %v, %v", ok, err)
	}
}

func TestLocalDeleteCleansEmptyDirs(t *testing.T) {
	b := localFactory(t).(*LocalBackend)
	ctx := context.Background()
	put(t, b, "a/b/c", "1")

	if err := b.DeleteObject(ctx, "b", "a/b/c"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.RootDir, "b", "a")); !os.IsNotExist(err) {
		t.Errorf("empty parent directory left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.RootDir, "b")); err != nil {
		t.Errorf("bucket directory removed: %v", err)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	b := localFactory(t).(*LocalBackend)
	stale := filepath.Join(b.RootDir, ".tmp", "tmp-stale")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file not removed")
	}
}

func TestMemoryClose(t *testing.T) {
	b := NewMemoryBackend("b")
	if b.Closed() {
		t.Fatal("new backend reports closed")
	}
	b.Close()
	if !b.Closed() {
		t.Error("Closed() = false after Close")
	}
}
