package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/internal/chunker"
	"docuvector-go/internal/config"
	"docuvector-go/internal/loader"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/repository"
	"docuvector-go/internal/service"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/llm"
	"docuvector-go/pkg/token"
	"docuvector-go/pkg/vectorstore"
	"docuvector-go/pkg/vectorstore/memstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)%3 + 1), float32(strings.Count(text, "e") + 1)}, nil
}

func (fakeEmbedder) Dimensions() int { return 2 }

type echoLLM struct{}

func (echoLLM) StreamChatMessages(_ context.Context, msgs []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	for _, part := range []string{"answer: ", msgs[len(msgs)-1].Content} {
		if err := w.WriteMessage(websocket.TextMessage, []byte(part)); err != nil {
			return err
		}
	}
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, jwt *token.JWTManager, keys *token.KeyStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, err := chunker.New(chunker.WithChunkSize(200), chunker.WithOverlap(20))
	require.NoError(t, err)
	repo := repository.NewMemoryDocumentRepository()
	p, err := pipeline.New(pipeline.Deps{
		Loaders:  loader.NewRegistry(),
		Chunker:  c,
		Embedder: fakeEmbedder{},
		Index:    memstore.New(),
	}, pipeline.WithRecorder(service.NewStageRecorder(repo)))
	require.NoError(t, err)
	require.NoError(t, p.EnsureIndex(context.Background(), "h", vectorstore.Cosine))

	convRepo := repository.NewMemoryConversationRepository(10)
	search := service.NewSearchService(p, 5)
	h := Handlers{
		Document:     NewDocumentHandler(service.NewDocumentService(p, repo, service.WithTempDir(t.TempDir()))),
		Search:       NewSearchHandler(search),
		Chat:         NewChatHandler(service.NewChatService(search, echoLLM{}, convRepo, config.LLMPromptConfig{})),
		Conversation: NewConversationHandler(service.NewConversationService(convRepo)),
	}
	if keys != nil {
		h.Auth = NewAuthHandler(keys, jwt)
	}
	return NewRouter(h, jwt)
}

func upload(t *testing.T, r http.Handler, path, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, _ = fw.Write([]byte(content))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doJSON(t *testing.T, r http.Handler, method, path string, v interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var body bytes.Buffer
	if v != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(v))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestDocumentLifecycle(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	w := upload(t, r, "/api/v1/documents", "guide.txt", "the guide explains every feature")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 1, res.ChunkCount)

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/documents/"+res.DocumentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"stage":"complete"`)

	w, env = doJSON(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "feature", "k": 3})
	require.Equal(t, http.StatusOK, w.Code)
	var results []service.SearchResult
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "guide.txt", results[0].Metadata["source"])

	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/documents", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/documents/"+res.DocumentID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/documents/"+res.DocumentID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/documents/"+res.DocumentID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadErrors(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	w := upload(t, r, "/api/v1/documents", "virus.exe", "MZ")
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	w = upload(t, r, "/api/v1/documents", "blank.txt", "   ")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/documents", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload(t, r, "/api/v1/documents/async", "a.txt", "text")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestSearchValidation(t *testing.T) {
	r := newTestRouter(t, nil, nil)
	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "x", "k": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/search", gin.H{"k": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, env := doJSON(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "nothing indexed"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestSupportedTypes(t *testing.T) {
	r := newTestRouter(t, nil, nil)
	w, env := doJSON(t, r, http.MethodGet, "/api/v1/documents/supported-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `".pdf"`)
}

func TestChatAndConversation(t *testing.T) {
	r := newTestRouter(t, nil, nil)
	require.Equal(t, http.StatusOK, upload(t, r, "/api/v1/documents", "faq.md", "# FAQ\n\nrefunds take seven days").Code)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/chat", gin.H{"question": "how long do refunds take?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp service.ChatResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "answer: how long do refunds take?", resp.Answer)
	require.Len(t, resp.Sources, 1)

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+resp.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Len(t, history, 2)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/chat", gin.H{"question": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatWebSocket(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, nil, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gin.H{"question": "hello there"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var chunks []string
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if chunk, ok := msg["chunk"].(string); ok {
			chunks = append(chunks, chunk)
			continue
		}
		assert.Equal(t, "completion", msg["type"])
		assert.NotEmpty(t, msg["conversation_id"])
		break
	}
	assert.Equal(t, "answer: hello there", strings.Join(chunks, ""))
}

func TestAuthFlow(t *testing.T) {
	hash, err := token.HashKey("s3cret")
	require.NoError(t, err)
	jwt := token.NewJWTManager("signing-key", 1)
	keys := token.NewKeyStore([]config.APIKeyConfig{{Name: "ci", Hash: hash}})
	r := newTestRouter(t, jwt, keys)

	w, _ := doJSON(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/auth/token", gin.H{"api_key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/auth/token", gin.H{"api_key": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	require.NotEmpty(t, issued.Token)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusOf(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.InvalidInput:     http.StatusBadRequest,
		errs.NotFound:         http.StatusNotFound,
		errs.Unauthorized:     http.StatusUnauthorized,
		errs.TransientService: http.StatusServiceUnavailable,
		errs.IndexUnavailable: http.StatusServiceUnavailable,
		errs.PermanentService: http.StatusUnprocessableEntity,
		errs.Configuration:    http.StatusNotImplemented,
		errs.Other:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusOf(errs.Errorf(kind, "op", "boom")), kind.String())
	}
	_, err := loader.ParseFileType("exe")
	assert.Equal(t, http.StatusUnsupportedMediaType, statusOf(err))
}
