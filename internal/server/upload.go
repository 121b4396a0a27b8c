package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

// handleUpload stores a single uploaded script and submits it. The upload
// directory becomes the bot's storage dir so Delete removes it.
func (r *Router) handleUpload(c *gin.Context) {
	if r.opts.UploadDir == "" {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "uploads are disabled"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxUploadMB<<20)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: fmt.Sprintf("upload exceeds %d MB", r.opts.MaxUploadMB)})
			return
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid multipart form: " + err.Error()})
		return
	}
	owner := r.owner(c, c.PostForm("owner"))
	if !isSafeName(owner) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "owner must match [A-Za-z0-9._-]"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "file field required: " + err.Error()})
		return
	}
	name := filepath.Base(fh.Filename)
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file name"})
		return
	}
	rt := c.PostForm("runtime")
	if rt == "" {
		byExt, ok := registry.RuntimeForFile(name)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "unsupported file type " + filepath.Ext(name)})
			return
		}
		rt = string(byExt)
	}

	dir := filepath.Join(r.opts.UploadDir, owner, uuid.NewString())
	dst := filepath.Join(dir, name)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		_ = os.RemoveAll(dir)
		fail(c, err)
		return
	}
	if err := os.Chmod(dst, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		fail(c, err)
		return
	}
	id, err := r.mgr.Submit(c.Request.Context(), manager.SubmitRequest{
		Owner:      owner,
		Executable: dst,
		Runtime:    rt,
		Name:       c.PostForm("name"),
		StorageDir: dir,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, submitResp{ID: id})
}
