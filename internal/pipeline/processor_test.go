package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"telegemini-go/internal/config"
	"telegemini-go/internal/repository"
	"telegemini-go/pkg/database"
	"telegemini-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText(t *testing.T) {
	p := &Processor{}

	assert.Nil(t, p.splitText("", 10, 2))
	assert.Equal(t, []string{"短文本"}, p.splitText("短文本", 10, 2))

	chunks := p.splitText(strings.Repeat("a", 25), 10, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[2], 9)

	// 重叠不合法时退化为无重叠切分
	assert.Equal(t, []string{"abc", "def", "g"}, p.splitText("abcdefg", 3, 3))
}

func TestProcess_ReplacesChunks(t *testing.T) {
	db, err := database.Open("sqlite", config.DatabaseConfig{
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "pipeline.db")},
	})
	require.NoError(t, err)
	repo := repository.NewTranscriptRepository(db)
	p := NewProcessor(config.ElasticsearchConfig{}, repo)
	ctx := context.Background()

	task := tasks.TranscriptTask{PersonaID: "my-bot", TurnID: "t1", Sender: "bot", Text: strings.Repeat("x", 1500), Timestamp: time.Now()}
	require.NoError(t, p.Submit(ctx, task))
	// 重复投递不会产生重复分块
	require.NoError(t, p.Process(ctx, task))

	chunks, err := repo.FindByTurnID("t1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "my-bot", chunks[0].PersonaID)

	require.NoError(t, p.Process(ctx, tasks.TranscriptTask{TurnID: "t2", Text: "   "}))
	chunks, err = repo.FindByTurnID("t2")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
