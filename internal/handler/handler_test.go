package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"
	"telegemini-go/internal/service"
	"telegemini-go/pkg/llm"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSettings struct{}

func (stubSettings) Load(context.Context) ([]model.Persona, error) {
	return nil, repository.ErrSettingsNotFound
}

func (stubSettings) Save(context.Context, []model.Persona) error { return nil }

// stubLLM 对话时固定流出 "Hi" " there"，其余调用都失败。
type stubLLM struct{}

func (stubLLM) GenerateStructured(context.Context, string, []string) (string, error) {
	return "", errors.New("offline")
}

func (stubLLM) GenerateImage(context.Context, string) ([]llm.Part, error) {
	return nil, errors.New("offline")
}

func (stubLLM) StreamChat(ctx context.Context, _ []llm.Message, _ string) iter.Seq2[llm.StreamChunk, error] {
	return func(yield func(llm.StreamChunk, error) bool) {
		for _, text := range []string{"Hi", " there"} {
			if ctx.Err() != nil {
				return
			}
			if !yield(llm.StreamChunk{Text: text}, nil) {
				return
			}
		}
	}
}

type stubSearch struct {
	query     string
	personaID string
	topK      int
}

func (s *stubSearch) SearchTranscripts(_ context.Context, query, personaID string, topK int) ([]model.SearchResponseDTO, error) {
	s.query, s.personaID, s.topK = query, personaID, topK
	return []model.SearchResponseDTO{}, nil
}

type testEnv struct {
	router *gin.Engine
	search *stubSearch
	chat   *service.ChatService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	personas := service.NewPersonaService(context.Background(), stubSettings{})
	conversations := service.NewConversationService(repository.NewMemoryConversationRepository(), personas.Greeting)
	generator := service.NewPersonaGenerator(stubLLM{}, 0)
	chat := service.NewChatService(personas, conversations, service.NewOrchestrator(stubLLM{}), nil, nil)
	t.Cleanup(chat.Close)
	search := &stubSearch{}

	r := gin.New()
	ph := NewPersonaHandler(personas, conversations, generator)
	ch := NewConversationHandler(personas, conversations, chat)
	r.GET("/api/v1/personas", ph.List)
	r.POST("/api/v1/personas", ph.Create)
	r.POST("/api/v1/personas/generate", ph.Generate)
	r.GET("/api/v1/personas/:id", ph.Get)
	r.PUT("/api/v1/personas/:id", ph.Update)
	r.GET("/api/v1/conversations/:personaId", ch.GetConversation)
	r.DELETE("/api/v1/conversations/:personaId", ch.ClearConversation)
	r.POST("/api/v1/conversations/:personaId/messages", ch.SendMessage)
	r.GET("/api/v1/search", NewSearchHandler(search).SearchTranscripts)
	r.GET("/chat/:personaId", NewChatHandler(personas, chat).Handle)

	return &testEnv{router: r, search: search, chat: chat}
}

// streamRecorder 补上 c.Stream 需要的 http.CloseNotifier。
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	e.router.ServeHTTP(w, req)
	return w.ResponseRecorder
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestPersonaHandler_ListIncludesGreetingPreview(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/personas", "")
	require.Equal(t, http.StatusOK, w.Code)

	var personas []model.Persona
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &personas))
	require.Len(t, personas, 1)
	assert.Equal(t, service.DefaultPersonaID, personas[0].ID)
	assert.Equal(t, "Type /help to start", personas[0].LastMessage)
	assert.NotEmpty(t, personas[0].LastMessageTime)
}

func TestPersonaHandler_GetUnknownIs404(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/personas/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, decode(t, w).Code)
}

func TestPersonaHandler_CreateAndUpdate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/personas", `{"name":"  Chef Bot ","description":"cooks","systemInstruction":"You cook."}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Persona
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	assert.Equal(t, "Chef Bot", created.Name)
	assert.NotEmpty(t, created.ID)

	w = env.do(http.MethodPut, "/api/v1/personas/"+created.ID, `{"name":"Chef"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated model.Persona
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &updated))
	assert.Equal(t, "Chef", updated.Name)
	assert.Equal(t, "You cook.", updated.SystemInstruction)

	w = env.do(http.MethodPut, "/api/v1/personas/missing", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPersonaHandler_CreateRequiresName(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/personas", `{"name":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPersonaHandler_Generate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/personas/generate", `{"idea":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/personas/generate", `{"idea":"a pirate"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var draft model.PersonaDraft
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &draft))
	assert.Equal(t, service.FallbackPersona, draft)
}

func TestConversationHandler_GetAndClear(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/conversations/"+service.DefaultPersonaID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		ContactID string       `json:"contactId"`
		Messages  []model.Turn `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	assert.Equal(t, service.DefaultPersonaID, body.ContactID)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, model.SenderBot, body.Messages[0].Sender)

	w = env.do(http.MethodDelete, "/api/v1/conversations/"+service.DefaultPersonaID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	require.Len(t, body.Messages, 1)
	assert.Contains(t, body.Messages[0].Text, "Chat cleared")

	w = env.do(http.MethodGet, "/api/v1/conversations/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConversationHandler_SendMessageStreamsSSE(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/conversations/"+service.DefaultPersonaID+"/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event:completion")
	assert.Contains(t, body, `"status":"finished"`)
	assert.Contains(t, body, "Hi there")

	w = env.do(http.MethodGet, "/api/v1/conversations/"+service.DefaultPersonaID, "")
	var conv struct {
		Messages []model.Turn `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &conv))
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "hello", conv.Messages[1].Text)
	assert.Equal(t, "Hi there", conv.Messages[2].Text)
	assert.False(t, conv.Messages[2].IsStreaming)
}

func TestConversationHandler_SendMessageRejectsEmpty(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/conversations/"+service.DefaultPersonaID+"/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/conversations/nobody/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchHandler(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/v1/search?query=pizza&personaId=my-bot&topK=abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pizza", env.search.query)
	assert.Equal(t, "my-bot", env.search.personaID)
	assert.Equal(t, 10, env.search.topK)
}

func TestChatHandler_WebSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/" + service.DefaultPersonaID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("/help")))
	var frame struct {
		Type   string     `json:"type"`
		Status string     `json:"status"`
		Turn   model.Turn `json:"turn"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "completion", frame.Type)
	assert.Equal(t, "finished", frame.Status)
	assert.Contains(t, frame.Turn.Text, "Bot Commands")

	require.NoError(t, conn.WriteJSON(gin.H{"text": "   "}))
	var errFrame map[string]string
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.NotEmpty(t, errFrame["error"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop"}))
	var stopFrame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&stopFrame))
	assert.Equal(t, "stop", stopFrame["type"])
}

func TestChatHandler_UnknownPersonaRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/chat/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "📷 Photo", preview(model.Turn{ImageURL: "data:image/png;base64,AA=="}))
	long := strings.Repeat("字", 70)
	assert.Equal(t, strings.Repeat("字", 60)+"…", preview(model.Turn{Text: long}))
	assert.Equal(t, "hi", preview(model.Turn{Text: " hi "}))
}

func TestParseFrame(t *testing.T) {
	assert.Equal(t, clientFrame{Text: "plain"}, parseFrame([]byte("plain")))
	assert.Equal(t, clientFrame{Type: "stop"}, parseFrame([]byte(`{"type":"stop"}`)))
	assert.Equal(t, clientFrame{Text: "{broken"}, parseFrame([]byte("{broken")))
}
