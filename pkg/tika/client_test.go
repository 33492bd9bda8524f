package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

func TestNewClientDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewClient(config.TikaConfig{}, nil))
}

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		if string(body) == "broken" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		if string(body) == "busy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("extracted: " + string(body)))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/"}, srv.Client())
	ctx := context.Background()

	text, err := c.ExtractText(ctx, strings.NewReader("legacy"), "old.doc")
	require.NoError(t, err)
	assert.Equal(t, "extracted: legacy", text)

	_, err = c.ExtractText(ctx, strings.NewReader("broken"), "old.doc")
	assert.True(t, errs.Is(err, errs.InvalidInput), "got %v", err)

	_, err = c.ExtractText(ctx, strings.NewReader("busy"), "old.ppt")
	assert.True(t, errs.IsRetryable(err), "got %v", err)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", detectMimeType("noext"))
	assert.Equal(t, "application/pdf", detectMimeType("a.pdf"))
}
