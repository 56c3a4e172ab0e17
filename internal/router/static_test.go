package router

import (
	"testing"

	"github.com/kandev/orchestrator/internal/workspace"
)

func TestBlobPathRejectsTraversal(t *testing.T) {
	rt := &Router{paths: &workspace.Paths{BlobsDir: "/tmp/blobs"}}
	bad := []string{"", "..", ".", "../escape", "a/b"}
	for _, id := range bad {
		if _, err := rt.blobPath(id); err == nil {
			t.Errorf("blobPath(%q) = nil error, want rejection", id)
		}
	}
}

func TestBlobPathAcceptsPlainHexID(t *testing.T) {
	rt := &Router{paths: &workspace.Paths{BlobsDir: "/tmp/blobs"}}
	path, err := rt.blobPath("abcdef0123456789")
	if err != nil {
		t.Fatalf("blobPath: %v", err)
	}
	want := "/tmp/blobs/abcdef0123456789"
	if path != want {
		t.Errorf("blobPath = %q, want %q", path, want)
	}
}
