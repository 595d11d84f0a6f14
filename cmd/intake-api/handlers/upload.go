package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/cmd/intake-api/middleware"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/intake"
	"github.com/lyzr/imageintake/common/lifecycle"
	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/models"
)

// Uploader is the part of the intake service the HTTP layer uses
type Uploader interface {
	Submit(ctx context.Context, req intake.Request) (*intake.Receipt, error)
	Status(ctx context.Context, jobID string) (*models.CleanupState, error)
}

// UploadHandler handles upload intake requests
type UploadHandler struct {
	uploader Uploader
	maxBytes int64
	log      *logger.Logger
}

// NewUploadHandler creates a new upload handler. maxBytes bounds how much of
// the file part is read; anything larger is left to the validator to reject.
func NewUploadHandler(uploader Uploader, maxBytes int64, log *logger.Logger) *UploadHandler {
	return &UploadHandler{
		uploader: uploader,
		maxBytes: maxBytes,
		log:      log,
	}
}

// uploadResponse is returned for both inline and deferred uploads
type uploadResponse struct {
	JobID     string               `json:"job_id"`
	Status    models.JobState      `json:"status"`
	StatusURL string               `json:"status_url,omitempty"`
	Result    *models.UploadResult `json:"result,omitempty"`
}

// CreateUpload accepts a multipart image upload
// POST /api/v1/uploads (form fields: file, config)
func (h *UploadHandler) CreateUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	data, err := h.readPart(fh)
	if err != nil {
		h.log.WithContext(c.Request().Context()).Warn("failed to read upload body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "upload body could not be read")
	}

	req := intake.Request{
		Data:        data,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Subject:     middleware.GetSubject(c),
	}
	if raw := c.FormValue("config"); raw != "" {
		req.Override = json.RawMessage(raw)
	}

	rcpt, err := h.uploader.Submit(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}

	if rcpt.Deferred {
		return c.JSON(http.StatusAccepted, uploadResponse{
			JobID:     rcpt.JobID,
			Status:    models.JobPending,
			StatusURL: fmt.Sprintf("/api/v1/uploads/%s", rcpt.JobID),
		})
	}
	return c.JSON(http.StatusCreated, uploadResponse{
		JobID:  rcpt.JobID,
		Status: models.JobCompleted,
		Result: rcpt.Result,
	})
}

// GetUpload reports the state of a deferred upload
// GET /api/v1/uploads/:job
func (h *UploadHandler) GetUpload(c echo.Context) error {
	jobID := c.Param("job")

	st, err := h.uploader.Status(c.Request().Context(), jobID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "upload not found")
	}
	if err != nil {
		h.log.WithContext(c.Request().Context()).Error("failed to read upload state", "job_id", jobID, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "upload state is unavailable")
	}

	resp := map[string]interface{}{
		"job_id": st.JobID,
		"status": st.State,
	}
	switch st.State {
	case models.JobCompleted:
		resp["result"] = st.Result
	case models.JobFailed, models.JobExpired:
		// the stored reason names scanner rules; users only see that it failed
		resp["error"] = "upload_failed"
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *UploadHandler) readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// one byte past the limit is enough for the validator to report too_large
	return io.ReadAll(io.LimitReader(f, h.maxBytes+1))
}

func (h *UploadHandler) fail(c echo.Context, err error) error {
	e, ok := errs.As(err)
	if !ok {
		h.log.WithContext(c.Request().Context()).Error("upload failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "upload failed")
	}

	status := StatusFor(e)
	log := h.log.WithContext(c.Request().Context())
	if status >= http.StatusInternalServerError {
		log.Error("upload failed", "kind", e.Kind, "code", e.Code, "error", err)
	} else {
		log.Info("upload rejected", "kind", e.Kind, "code", e.Code)
	}

	body := map[string]interface{}{
		"error":   e.Code,
		"message": e.Public(),
	}
	if ctx := e.PublicContext(); len(ctx) > 0 {
		body["details"] = ctx
	}
	return c.JSON(status, body)
}
