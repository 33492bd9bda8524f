package service

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/internal/chunker"
	"docuvector-go/internal/config"
	"docuvector-go/internal/loader"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/repository"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/llm"
	"docuvector-go/pkg/tasks"
	"docuvector-go/pkg/vectorstore"
	"docuvector-go/pkg/vectorstore/memstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%5 + 1), float32(strings.Count(text, "o") + 1), 1}, nil
}

func (fakeEmbedder) Dimensions() int { return 3 }

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "mem.get", "no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://objects/" + key, nil
}

type publisher struct {
	tasks []tasks.IngestTask
	err   error
}

func (p *publisher) ProduceIngestTask(_ context.Context, task tasks.IngestTask) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

type env struct {
	pipe    *pipeline.Pipeline
	repo    repository.DocumentRepository
	index   *memstore.Store
	objects *memObjects
	pub     *publisher
	svc     DocumentService
}

func newEnv(t *testing.T, opts ...DocumentServiceOption) *env {
	t.Helper()
	c, err := chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(20))
	require.NoError(t, err)
	e := &env{
		repo:    repository.NewMemoryDocumentRepository(),
		index:   memstore.New(),
		objects: newMemObjects(),
		pub:     &publisher{},
	}
	e.pipe, err = pipeline.New(pipeline.Deps{
		Loaders:  loader.NewRegistry(),
		Chunker:  c,
		Embedder: fakeEmbedder{},
		Index:    e.index,
	}, pipeline.WithRecorder(NewStageRecorder(e.repo)))
	require.NoError(t, err)
	require.NoError(t, e.pipe.EnsureIndex(context.Background(), "svc", vectorstore.Cosine))

	opts = append([]DocumentServiceOption{WithTempDir(t.TempDir())}, opts...)
	e.svc = NewDocumentService(e.pipe, e.repo, opts...)
	return e
}

func tempFiles(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestIngestRegistersAndArchives(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	objects := newMemObjects()
	e := newEnv(t, WithObjectStore(objects), WithTempDir(tmp))

	res, err := e.svc.Ingest(ctx, IngestInput{FileName: "notes.md", Content: strings.NewReader("# Title\n\nhello world from the docs")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	doc, err := e.svc.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageComplete.String(), doc.Stage)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, "markdown", doc.FileType)
	assert.Equal(t, "documents/"+res.DocumentID+"/notes.md", doc.ObjectKey)
	assert.Contains(t, objects.objects, doc.ObjectKey)
	assert.Empty(t, tempFiles(t, tmp), "upload spool must be removed")
}

func TestIngestRejectsUnsupportedTypeWithoutSpooling(t *testing.T) {
	tmp := t.TempDir()
	e := newEnv(t, WithTempDir(tmp))
	_, err := e.svc.Ingest(context.Background(), IngestInput{FileName: "a.exe", Content: strings.NewReader("MZ")})
	assert.True(t, errs.Is(err, errs.Configuration), "got %v", err)
	assert.Empty(t, tempFiles(t, tmp))
}

func TestIngestEnforcesUploadLimit(t *testing.T) {
	tmp := t.TempDir()
	e := newEnv(t, WithMaxUploadBytes(8), WithTempDir(tmp))
	_, err := e.svc.Ingest(context.Background(), IngestInput{FileName: "a.txt", Content: strings.NewReader("more than eight bytes")})
	assert.True(t, errs.Is(err, errs.InvalidInput), "got %v", err)
	assert.Empty(t, tempFiles(t, tmp))

	_, err = e.svc.Ingest(context.Background(), IngestInput{FileName: "a.txt", Content: strings.NewReader("")})
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestFailedIngestIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.svc.Ingest(ctx, IngestInput{DocumentID: "blank", FileName: "a.txt", Content: strings.NewReader("   \n  ")})
	require.Error(t, err)

	doc, err := e.svc.Get(ctx, "blank")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed.String(), doc.Stage)
	assert.Equal(t, pipeline.StageChunked.String(), doc.FailedAt)
	assert.NotEmpty(t, doc.Error)
}

func TestIngestAsyncRequiresStoreAndQueue(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.IngestAsync(context.Background(), IngestInput{FileName: "a.txt", Content: strings.NewReader("x")})
	assert.True(t, errs.Is(err, errs.Configuration))
}

func TestIngestAsyncThenProcess(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	pub := &publisher{}
	e := newEnv(t, WithObjectStore(objects), WithPublisher(pub))

	id, err := e.svc.IngestAsync(ctx, IngestInput{FileName: "guide.txt", Content: strings.NewReader("async content to index")})
	require.NoError(t, err)
	require.Len(t, pub.tasks, 1)
	task := pub.tasks[0]
	assert.Equal(t, id, task.DocumentID)
	assert.Equal(t, "txt", task.FileType)

	doc, err := e.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageReceived.String(), doc.Stage)

	require.NoError(t, e.svc.Process(ctx, task))
	doc, err = e.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageComplete.String(), doc.Stage)
	assert.Equal(t, 1, e.index.Len())
}

func TestIngestAsyncPublishFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	pub := &publisher{err: errs.Errorf(errs.TransientService, "kafka", "broker down")}
	e := newEnv(t, WithObjectStore(objects), WithPublisher(pub))

	_, err := e.svc.IngestAsync(ctx, IngestInput{DocumentID: "d1", FileName: "a.txt", Content: strings.NewReader("x")})
	assert.True(t, errs.IsRetryable(err))
	assert.Empty(t, objects.objects)
	doc, err := e.svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed.String(), doc.Stage)
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	e := newEnv(t, WithObjectStore(objects))
	res, err := e.svc.Ingest(ctx, IngestInput{FileName: "a.txt", Content: strings.NewReader("delete me soon")})
	require.NoError(t, err)

	deleted, err := e.svc.Delete(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Zero(t, e.index.Len())
	assert.Empty(t, objects.objects)
	_, err = e.svc.Get(ctx, res.DocumentID)
	assert.True(t, errs.Is(err, errs.NotFound))

	deleted, err = e.svc.Delete(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteWithoutChunksReportsNothingRemoved(t *testing.T) {
	ctx := context.Background()
	objects := newMemObjects()
	pub := &publisher{err: errs.Errorf(errs.TransientService, "kafka", "broker down")}
	e := newEnv(t, WithObjectStore(objects), WithPublisher(pub))
	_, err := e.svc.IngestAsync(ctx, IngestInput{DocumentID: "d1", FileName: "a.txt", Content: strings.NewReader("x")})
	require.Error(t, err)
	_, err = e.svc.Get(ctx, "d1")
	require.NoError(t, err)

	deleted, err := e.svc.Delete(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, deleted)
	_, err = e.svc.Get(ctx, "d1")
	assert.True(t, errs.Is(err, errs.NotFound), "registry record is still cleaned up")
}

func TestDownloadURL(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.svc.Ingest(ctx, IngestInput{FileName: "a.txt", Content: strings.NewReader("no archive")})
	require.NoError(t, err)
	_, err = e.svc.DownloadURL(ctx, res.DocumentID)
	assert.True(t, errs.Is(err, errs.NotFound))

	objects := newMemObjects()
	e = newEnv(t, WithObjectStore(objects))
	res, err = e.svc.Ingest(ctx, IngestInput{FileName: "b.txt", Content: strings.NewReader("archived")})
	require.NoError(t, err)
	url, err := e.svc.DownloadURL(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "http://objects/documents/"+res.DocumentID+"/b.txt", url)
}

func TestSupportedTypes(t *testing.T) {
	e := newEnv(t)
	types := e.svc.SupportedTypes()
	require.NotEmpty(t, types)
	var names []string
	for _, ft := range types {
		names = append(names, ft.Type)
		assert.NotEmpty(t, ft.Extensions)
	}
	assert.Contains(t, names, "pdf")
	assert.Contains(t, names, "txt")
}

func TestSeedDirectoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("first seed file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.md"), []byte("second seed file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte{0, 1}, 0o644))

	e := newEnv(t)
	n, err := e.svc.SeedDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, e.index.Len())

	n, err = e.svc.SeedDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	id := uuid.NewSHA1(seedNamespace, []byte("sub/b.md")).String()
	doc, err := e.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sub/b.md", doc.SourceName)
}

func TestSearchServiceDefaultsK(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for i := 0; i < 4; i++ {
		_, err := e.svc.Ingest(ctx, IngestInput{FileName: "a.txt", Content: strings.NewReader(strings.Repeat("word ", i+1))})
		require.NoError(t, err)
	}
	results, err := NewSearchService(e.pipe, 3).Search(ctx, "word", 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "a.txt", results[0].Metadata[pipeline.MetaSource])

	_, err = NewSearchService(e.pipe, 3).Search(ctx, "word", -1)
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

type scriptedLLM struct {
	chunks []string
	got    []llm.Message
}

func (s *scriptedLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	s.got = messages
	for _, c := range s.chunks {
		if err := w.WriteMessage(1, []byte(c)); err != nil {
			return err
		}
	}
	return nil
}

func TestChatUsesContextAndHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.svc.Ingest(ctx, IngestInput{FileName: "faq.txt", Content: strings.NewReader("the office opens at nine")})
	require.NoError(t, err)

	model := &scriptedLLM{chunks: []string{"At ", "nine."}}
	convRepo := repository.NewMemoryConversationRepository(10)
	chat := NewChatService(NewSearchService(e.pipe, 2), model, convRepo, config.LLMPromptConfig{Rules: "Answer briefly."})

	var streamed llm.BufferWriter
	resp, err := chat.Chat(ctx, ChatRequest{Question: "when does the office open?"}, &streamed)
	require.NoError(t, err)
	assert.Equal(t, "At nine.", resp.Answer)
	assert.Equal(t, "At nine.", streamed.String())
	assert.NotEmpty(t, resp.ConversationID)
	require.Len(t, resp.Sources, 1)

	require.Len(t, model.got, 2)
	assert.Equal(t, "system", model.got[0].Role)
	assert.Contains(t, model.got[0].Content, "Answer briefly.")
	assert.Contains(t, model.got[0].Content, "<<REF>>\n[1] (faq.txt) the office opens at nine")

	_, err = chat.Chat(ctx, ChatRequest{Question: "and on weekends?", ConversationID: resp.ConversationID}, nil)
	require.NoError(t, err)
	require.Len(t, model.got, 4)
	assert.Equal(t, "assistant", model.got[2].Role)
	assert.Equal(t, "At nine.", model.got[2].Content)

	history, err := NewConversationService(convRepo).GetConversationHistory(ctx, resp.ConversationID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestChatWithoutResults(t *testing.T) {
	e := newEnv(t)
	model := &scriptedLLM{chunks: []string{"I don't know."}}
	chat := NewChatService(NewSearchService(e.pipe, 2), model, repository.NewMemoryConversationRepository(10), config.LLMPromptConfig{})

	resp, err := chat.Chat(context.Background(), ChatRequest{Question: "anything?"}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Sources)
	assert.Contains(t, model.got[0].Content, "（本轮无检索结果）")

	_, err = chat.Chat(context.Background(), ChatRequest{Question: "  "}, nil)
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestConversationHistoryRequiresID(t *testing.T) {
	svc := NewConversationService(repository.NewMemoryConversationRepository(4))
	_, err := svc.GetConversationHistory(context.Background(), "")
	assert.True(t, errs.Is(err, errs.InvalidInput))

	history, err := svc.GetConversationHistory(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, history)
}
