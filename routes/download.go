package routes

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"audiorelay/blobstore"
	"audiorelay/logger"
	"audiorelay/utils"
)

const sniffLen = 3072

// Download streams a converted audio blob as <fid>_converted<ext>.
func (h *Handler) Download(c *gin.Context) {
	fid := c.Query("fid")
	if fid == "" {
		fid = c.PostForm("fid")
	}
	if fid == "" {
		c.JSON(http.StatusBadRequest, Response{Message: "fid is required"})
		return
	}
	if !utils.ValidBlobID(fid) {
		c.JSON(http.StatusBadRequest, Response{Message: "malformed fid"})
		return
	}

	rc, err := h.deps.Audio.Get(c.Request.Context(), fid)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, Response{Message: "file not found"})
			return
		}
		logger.Errorf("download failed: audio_blob_id=%s, error=%v", fid, err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		logger.Errorf("download failed: audio_blob_id=%s, error=%v", fid, err)
		c.JSON(http.StatusInternalServerError, Response{Message: "Internal server error"})
		return
	}

	c.Header("Content-Type", mimetype.Detect(head).String())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fid+"_converted"+h.deps.AudioExt))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, br); err != nil {
		// Headers are already sent; a digest mismatch surfaces here.
		logger.Errorf("download interrupted: audio_blob_id=%s, user=%s, error=%v", fid, identityFrom(c).Username, err)
		return
	}
	logger.Infof("download served: audio_blob_id=%s, username=%s", fid, identityFrom(c).Username)
}
