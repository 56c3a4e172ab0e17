package router

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// handleBlobGet serves a content-addressed blob by id (spec.md §4.8
// "Blob storage get").
func (rt *Router) handleBlobGet(c *gin.Context) {
	id := c.Param("id")
	path, err := rt.blobPath(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	c.Header("Content-Type", "application/octet-stream")
	io.Copy(c.Writer, f)
}

// handleBlobPut stores the request body as a blob keyed by its sha256
// digest and returns the assigned id (spec.md §4.8 "Blob storage put").
func (rt *Router) handleBlobPut(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	path, err := rt.blobPath(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// blobPath resolves id to an on-disk path, rejecting any id that would
// escape rt.paths.BlobsDir.
func (rt *Router) blobPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", errInvalidBlobID
	}
	return filepath.Join(rt.paths.BlobsDir, id), nil
}

var errInvalidBlobID = httpError("invalid blob id")

type httpError string

func (e httpError) Error() string { return string(e) }

// handleWorkspaceFiles serves files from the workspace root, token-gated
// by the authGate middleware (spec.md §4.8 "GET /workspace-files/*").
func (rt *Router) handleWorkspaceFiles(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	full := filepath.Join(rt.paths.Root, cleaned)
	if !strings.HasPrefix(full, rt.paths.Root) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	c.File(full)
}
