package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sudwebd/3d-to-svg/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	fs := New(t.TempDir())

	body := []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n")
	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "jobs/job_1/model.obj",
		Reader:    bytes.NewReader(body),
		Size:      int64(len(body)),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.ObjectKey != "jobs/job_1/model.obj" || out.Size != int64(len(body)) {
		t.Errorf("unexpected output: %+v", out)
	}

	rc, ct, size, err := fs.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()

	if !bytes.Equal(got, body) {
		t.Errorf("stored bytes differ: %q", got)
	}
	if size != int64(len(body)) {
		t.Errorf("size = %d", size)
	}
	if ct != "model/obj" {
		t.Errorf("content type = %q", ct)
	}

	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := fs.DeleteObject(ctx, out.ObjectKey); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}

	_, _, _, err = fs.GetObject(ctx, out.ObjectKey)
	if !errors.Is(err, ports.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestSVGContentType(t *testing.T) {
	ctx := context.Background()
	fs := New(t.TempDir())

	if _, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey: "jobs/a/model.svg",
		Reader:    bytes.NewReader([]byte("<svg/>")),
	}); err != nil {
		t.Fatal(err)
	}
	rc, ct, _, err := fs.GetObject(ctx, "jobs/a/model.svg")
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if ct != "image/svg+xml" {
		t.Errorf("content type = %q", ct)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	fs := New(filepath.Join(root, "store"))

	for _, key := range []string{"", "../outside.txt", "jobs/../../outside.txt", "."} {
		_, err := fs.PutObject(context.Background(), ports.PutObjectInput{
			ObjectKey: key,
			Reader:    bytes.NewReader([]byte("x")),
		})
		if err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}

	if _, err := os.Stat(filepath.Join(root, "outside.txt")); !os.IsNotExist(err) {
		t.Error("file written outside the storage root")
	}
}

func TestPing(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "nested", "root"))
	if err := fs.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
