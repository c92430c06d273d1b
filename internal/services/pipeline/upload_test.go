package pipeline

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/common"
)

func writeTestModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "best_model.pt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestUploader(url string) *Uploader {
	config := common.UploadConfig{URL: url, Field: "model", Timeout: "2s"}
	return NewUploader(config, arbor.NewLogger())
}

func TestUploader_SubmitsMultipartForm(t *testing.T) {
	var gotField, gotFilename, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("model")
		require.NoError(t, err)
		defer file.Close()

		body, err := io.ReadAll(file)
		require.NoError(t, err)

		gotField = "model"
		gotFilename = header.Filename
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	modelPath := writeTestModel(t, "weights")
	err := newTestUploader(server.URL).Upload(modelPath)
	require.NoError(t, err)

	assert.Equal(t, "model", gotField)
	assert.Equal(t, "best_model.pt", gotFilename)
	assert.Equal(t, "weights", gotBody)
}

func TestUploader_AcceptsAny2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := newTestUploader(server.URL).Upload(writeTestModel(t, "weights"))
	assert.NoError(t, err)
}

func TestUploader_RejectionCarriesStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage full", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newTestUploader(server.URL).Upload(writeTestModel(t, "weights"))
	require.Error(t, err)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, http.StatusInternalServerError, uploadErr.StatusCode)
}

func TestUploader_TransportFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestUploader(url).Upload(writeTestModel(t, "weights"))
	require.Error(t, err)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Zero(t, uploadErr.StatusCode)
	assert.Error(t, uploadErr.Err)
}

func TestUploader_MissingArtifact(t *testing.T) {
	err := newTestUploader("http://127.0.0.1:1/upload").Upload(filepath.Join(t.TempDir(), "absent.pt"))
	require.Error(t, err)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Zero(t, uploadErr.StatusCode)
}
