package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUseCapturesStructuredFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Use(zap.New(core))
	t.Cleanup(func() { Use(nil) })

	Infow("ingest done", "document_id", "doc-1", "chunks", 5)
	Error("upsert failed", errors.New("boom"))
	Debugf("embedding chunk %d", 3)

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, "ingest done", entries[0].Message)
		assert.Equal(t, "doc-1", entries[0].ContextMap()["document_id"])
		assert.Equal(t, "boom", entries[1].ContextMap()["error"])
		assert.Equal(t, "embedding chunk 3", entries[2].Message)
	}
}

func TestDefaultLoggerIsSilent(t *testing.T) {
	Use(nil)
	assert.NotPanics(t, func() {
		Info("nothing")
		Warnw("still nothing", "k", "v")
		Sync()
	})
}
