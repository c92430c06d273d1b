package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/httpclient"
)

// Uploader pushes the trained artifact to the remote model server as a
// multipart form POST.
type Uploader struct {
	client *http.Client
	url    string
	field  string
	logger arbor.ILogger
}

// NewUploader creates an Uploader from upload configuration
func NewUploader(config common.UploadConfig, logger arbor.ILogger) *Uploader {
	return &Uploader{
		client: httpclient.NewDefaultHTTPClient(config.TimeoutDuration()),
		url:    config.URL,
		field:  config.Field,
		logger: logger,
	}
}

// Upload reads the artifact and POSTs it to the configured endpoint.
// Success is any 2xx response. A non-2xx response or transport fault comes
// back as *UploadError; the caller decides what that means for the run.
func (u *Uploader) Upload(modelPath string) error {
	file, err := os.Open(modelPath)
	if err != nil {
		return &UploadError{Err: fmt.Errorf("failed to read model file: %w", err)}
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(u.field, filepath.Base(modelPath))
	if err != nil {
		return &UploadError{Err: fmt.Errorf("failed to build multipart form: %w", err)}
	}
	if _, err := io.Copy(part, file); err != nil {
		return &UploadError{Err: fmt.Errorf("failed to read model file: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return &UploadError{Err: fmt.Errorf("failed to finalize multipart form: %w", err)}
	}

	req, err := http.NewRequest(http.MethodPost, u.url, &body)
	if err != nil {
		return &UploadError{Err: fmt.Errorf("failed to build upload request: %w", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return &UploadError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		u.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("response", string(respBody)).
			Msg("Model server rejected upload")
		return &UploadError{StatusCode: resp.StatusCode}
	}

	u.logger.Info().
		Int("status_code", resp.StatusCode).
		Str("url", u.url).
		Msg("Model uploaded to server")

	return nil
}
