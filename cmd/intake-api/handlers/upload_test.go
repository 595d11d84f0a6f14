package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/cmd/intake-api/middleware"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/intake"
	"github.com/lyzr/imageintake/common/lifecycle"
	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	got     intake.Request
	receipt *intake.Receipt
	err     error
	states  map[string]*models.CleanupState
}

func (f *fakeUploader) Submit(_ context.Context, req intake.Request) (*intake.Receipt, error) {
	f.got = req
	return f.receipt, f.err
}

func (f *fakeUploader) Status(_ context.Context, jobID string) (*models.CleanupState, error) {
	if st, ok := f.states[jobID]; ok {
		return st, nil
	}
	return nil, lifecycle.ErrNotFound
}

func newTestServer(u Uploader) *echo.Echo {
	e := echo.New()
	h := NewUploadHandler(u, 1<<20, logger.NewWithWriter(&bytes.Buffer{}, "debug", "json"))
	g := e.Group("/api/v1/uploads", middleware.ExtractSubject())
	g.POST("", h.CreateUpload)
	g.GET("/:job", h.GetUpload)
	return e
}

func multipartBody(t *testing.T, data []byte, contentType, config string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="cat.png"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if config != "" {
		require.NoError(t, w.WriteField("config", config))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(e *echo.Echo, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestCreateUploadInline(t *testing.T) {
	u := &fakeUploader{receipt: &intake.Receipt{
		JobID:  "job-1",
		Result: &models.UploadResult{JobID: "job-1", Filename: "abc.jpg", Width: 10, Height: 10},
	}}
	e := newTestServer(u)

	body, ct := multipartBody(t, []byte("png-bytes"), "image/png", `{"targets":["png"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set(echo.HeaderContentType, ct)
	req.Header.Set("X-User-ID", "alice")

	rec, resp := do(e, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "completed", resp["status"])
	assert.Equal(t, []byte("png-bytes"), u.got.Data)
	assert.Equal(t, "cat.png", u.got.Filename)
	assert.Equal(t, "image/png", u.got.ContentType)
	assert.Equal(t, "alice", u.got.Subject)
	assert.JSONEq(t, `{"targets":["png"]}`, string(u.got.Override))
}

func TestCreateUploadDeferred(t *testing.T) {
	e := newTestServer(&fakeUploader{receipt: &intake.Receipt{JobID: "job-2", Deferred: true}})

	body, ct := multipartBody(t, []byte("x"), "image/png", "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set(echo.HeaderContentType, ct)

	rec, resp := do(e, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/api/v1/uploads/job-2", resp["status_url"])
}

func TestCreateUploadThreatIsUniform(t *testing.T) {
	e := newTestServer(&fakeUploader{err: errs.New(errs.KindThreatDetected, errs.CodeUploadRejected,
		"blocked", "verdict", "blocked", "rule_id", "polyglot.exec-superglobal")})

	body, ct := multipartBody(t, []byte("x"), "image/png", "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set(echo.HeaderContentType, ct)

	rec, resp := do(e, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "upload_rejected", resp["error"])
	assert.NotContains(t, rec.Body.String(), "polyglot")
	assert.NotContains(t, resp, "details")
}

func TestCreateUploadRequiresFile(t *testing.T) {
	e := newTestServer(&fakeUploader{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
	rec, _ := do(e, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUpload(t *testing.T) {
	e := newTestServer(&fakeUploader{states: map[string]*models.CleanupState{
		"done":   {JobID: "done", State: models.JobCompleted, Result: &models.UploadResult{Filename: "a.jpg"}},
		"failed": {JobID: "failed", State: models.JobFailed, Reason: "scan_blocked:polyglot.exec-superglobal"},
	}})

	rec, resp := do(e, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/done", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", resp["status"])
	assert.NotNil(t, resp["result"])

	rec, resp = do(e, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/failed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upload_failed", resp["error"])
	assert.NotContains(t, rec.Body.String(), "scan_blocked")

	rec, _ = do(e, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  *errs.Error
		want int
	}{
		{errs.New(errs.KindMalformedInput, errs.CodeMIMEMismatch, ""), http.StatusBadRequest},
		{errs.New(errs.KindMalformedInput, errs.CodeTooLarge, ""), http.StatusRequestEntityTooLarge},
		{errs.New(errs.KindMalformedInput, errs.CodeMIMENotAllowed, ""), http.StatusUnsupportedMediaType},
		{errs.New(errs.KindDimensionViolation, errs.CodeEdgeExceeded, ""), http.StatusUnprocessableEntity},
		{errs.New(errs.KindConversionFault, errs.CodeFrameLimit, ""), http.StatusUnprocessableEntity},
		{errs.New(errs.KindConversionFault, errs.CodeCodec, ""), http.StatusInternalServerError},
		{errs.New(errs.KindQuarantineFault, errs.CodeQuarantineWrite, ""), http.StatusInternalServerError},
		{errs.New(errs.KindStateFault, errs.CodeStateSave, ""), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Code)
	}
}
