package routes

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"audiorelay/logger"
	"audiorelay/pipeline"
)

// Upload accepts exactly one multipart file and submits it for conversion.
func (h *Handler) Upload(c *gin.Context) {
	user := identityFrom(c)

	if h.deps.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, Response{Message: "uploaded file exceeds maximum allowed size"})
			return
		}
		c.JSON(http.StatusBadRequest, Response{Message: "failed to parse multipart form"})
		return
	}
	defer form.RemoveAll()

	fh, err := singleFile(form)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Message: err.Error()})
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Message: "failed to read uploaded file"})
		return
	}
	defer file.Close()

	if !h.deps.AnyMedia {
		mime, err := mimetype.DetectReader(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, Response{Message: "failed to read uploaded file"})
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			c.JSON(http.StatusInternalServerError, Response{Message: "failed to read uploaded file"})
			return
		}
		if !isMedia(mime) {
			logger.Warnf("upload rejected: username=%s, filename=%s, type=%s", user.Username, fh.Filename, mime.String())
			c.JSON(http.StatusBadRequest, Response{Message: fmt.Sprintf("unsupported file type: %s", mime.String())})
			return
		}
	}

	res, err := h.deps.Submitter.Submit(c.Request.Context(), file, user)
	if err != nil {
		status, body := submitError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, Response{
		Status:  true,
		Message: "File uploaded and message published successfully",
		Details: res,
	})
}

func singleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	var files []*multipart.FileHeader
	for _, fhs := range form.File {
		files = append(files, fhs...)
	}
	switch len(files) {
	case 0:
		return nil, errors.New("exactly one file is required, got none")
	case 1:
		return files[0], nil
	default:
		return nil, fmt.Errorf("exactly one file is required, got %d", len(files))
	}
}

func isMedia(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") || strings.HasPrefix(m.String(), "audio/") {
			return true
		}
	}
	return false
}

// submitError maps a submission failure to its HTTP status and body.
func submitError(err error) (int, Response) {
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		return http.StatusBadRequest, Response{Message: err.Error()}
	case pipeline.KindUpload:
		return http.StatusInternalServerError, Response{Message: "Failed to upload file"}
	case pipeline.KindPublish:
		return http.StatusServiceUnavailable, Response{Message: "Failed to publish message, upload rolled back"}
	case pipeline.KindDoubleFault:
		primary, rollback, _ := pipeline.Causes(err)
		return http.StatusInternalServerError, Response{
			Message: "Failed to publish message and rollback file",
			Details: gin.H{
				"publish_error":  errText(primary),
				"rollback_error": errText(rollback),
			},
		}
	default:
		return http.StatusInternalServerError, Response{Message: "Internal server error"}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
