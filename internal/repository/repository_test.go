package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"docuvector-go/internal/model"
	"docuvector-go/pkg/errs"
)

func testDocumentRepository(t *testing.T, repo DocumentRepository) {
	ctx := context.Background()

	_, err := repo.FindByID(ctx, "missing")
	assert.True(t, errs.Is(err, errs.NotFound), "got %v", err)

	require.NoError(t, repo.Save(ctx, &model.Document{ID: "doc-1", SourceName: "a.txt", FileType: "txt", Stage: "received"}))
	require.NoError(t, repo.UpdateStage(ctx, "doc-1", StageUpdate{Stage: "complete", ChunkCount: 4}))

	doc, err := repo.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "complete", doc.Stage)
	assert.Equal(t, 4, doc.ChunkCount)
	assert.Equal(t, "a.txt", doc.SourceName)

	// 重新登记同一 ID 会重置阶段
	require.NoError(t, repo.Save(ctx, &model.Document{ID: "doc-1", SourceName: "b.txt", FileType: "txt", Stage: "received"}))
	doc, err = repo.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "received", doc.Stage)
	assert.Equal(t, "b.txt", doc.SourceName)
	assert.Zero(t, doc.ChunkCount)

	require.NoError(t, repo.Save(ctx, &model.Document{ID: "doc-2", SourceName: "c.md", FileType: "markdown", Stage: "received"}))
	docs, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, repo.Delete(ctx, "doc-1"))
	_, err = repo.FindByID(ctx, "doc-1")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestMemoryDocumentRepository(t *testing.T) {
	testDocumentRepository(t, NewMemoryDocumentRepository())
}

func TestMemoryDocumentRepositoryPaging(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDocumentRepository()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, &model.Document{ID: fmt.Sprintf("doc-%d", i), Stage: "received"}))
	}
	page, err := repo.List(ctx, 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	page, err = repo.List(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

// DOCUVECTOR_TEST_MYSQL_DSN=root:root@tcp(localhost:3306)/docuvector_test?charset=utf8mb4&parseTime=True&loc=Local
func TestGormDocumentRepository(t *testing.T) {
	dsn := os.Getenv("DOCUVECTOR_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("DOCUVECTOR_TEST_MYSQL_DSN not set")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&model.Document{}))
	require.NoError(t, db.AutoMigrate(&model.Document{}))
	testDocumentRepository(t, NewDocumentRepository(db))
}

func testConversationRepository(t *testing.T, repo ConversationRepository) {
	ctx := context.Background()
	history, err := repo.GetConversationHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendMessages(ctx, "conv-1",
			model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("q%d", i)},
			model.ChatMessage{Role: model.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		))
	}
	history, err = repo.GetConversationHistory(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "q1", history[0].Content)
	assert.Equal(t, "a2", history[3].Content)
}

func TestMemoryConversationRepository(t *testing.T) {
	testConversationRepository(t, NewMemoryConversationRepository(4))
}

func TestRedisConversationRepository(t *testing.T) {
	addr := os.Getenv("DOCUVECTOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOCUVECTOR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Del(context.Background(), conversationKey("conv-1")).Err())
	testConversationRepository(t, NewConversationRepository(client, 4))
}
