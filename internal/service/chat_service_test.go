package service

import (
	"context"
	"iter"
	"testing"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/internal/repository"
	"telegemini-go/pkg/llm"
	"telegemini-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	svc           *ChatService
	conversations *ConversationService
	llm           *fakeLLM
	sink          *recordingSink
	archiver      *recordingArchiver
}

func newChatFixture(t *testing.T, fake *fakeLLM) chatFixture {
	t.Helper()
	personas := NewPersonaService(context.Background(), &memSettingsRepo{})
	conversations := NewConversationService(repository.NewMemoryConversationRepository(), personas.Greeting)
	sink := &recordingSink{}
	archiver := &recordingArchiver{}
	svc := NewChatService(personas, conversations, NewOrchestrator(fake), sink, archiver)
	t.Cleanup(svc.Close)
	return chatFixture{svc: svc, conversations: conversations, llm: fake, sink: sink, archiver: archiver}
}

func drain(events <-chan ChatEvent) []ChatEvent {
	var out []ChatEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestSend_Validation(t *testing.T) {
	f := newChatFixture(t, &fakeLLM{})

	_, err := f.svc.Send(context.Background(), "missing", "hi", "")
	assert.ErrorIs(t, err, ErrPersonaNotFound)

	_, err = f.svc.Send(context.Background(), DefaultPersonaID, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_CancelledBeforeStart(t *testing.T) {
	f := newChatFixture(t, &fakeLLM{chunks: []llm.StreamChunk{{Text: "never"}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Send(ctx, DefaultPersonaID, "hello", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.llm.callCount())

	turns, err := f.conversations.History(context.Background(), DefaultPersonaID)
	require.NoError(t, err)
	assert.Zero(t, countStreaming(turns))
	assert.Equal(t, "hello", turns[len(turns)-1].Text)
}

func TestSend_StreamsAndFinalizes(t *testing.T) {
	f := newChatFixture(t, &fakeLLM{chunks: []llm.StreamChunk{{Text: "Hi"}, {Text: " there"}}})
	ctx := context.Background()

	events, err := f.svc.Send(ctx, DefaultPersonaID, "hello", "")
	require.NoError(t, err)

	var chunks []string
	var completion *model.Turn
	for ev := range events {
		switch ev.Type {
		case ChatEventChunk:
			chunks = append(chunks, ev.Text)
			turns, err := f.conversations.History(ctx, DefaultPersonaID)
			require.NoError(t, err)
			assert.LessOrEqual(t, countStreaming(turns), 1)
		case ChatEventCompletion:
			completion = ev.Turn
		}
	}
	assert.Equal(t, []string{"Hi", "Hi there"}, chunks)
	require.NotNil(t, completion)
	assert.Equal(t, "Hi there", completion.Text)

	turns, err := f.conversations.History(ctx, DefaultPersonaID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "Type /help to start", turns[0].Text)
	assert.Equal(t, model.SenderUser, turns[1].Sender)
	assert.Equal(t, "hello", turns[1].Text)
	assert.Equal(t, completion.ID, turns[2].ID)
	assert.Zero(t, countStreaming(turns))

	// 请求中的历史是追加新消息之前的快照
	msgs := f.llm.lastMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Type /help to start", msgs[0].Parts[0].Text)
	assert.Equal(t, "hello", msgs[1].Parts[0].Text)
	assert.Equal(t, DefaultPersonas()[0].SystemInstruction, f.llm.instructions[0])

	// 归档和转写提交在后台完成
	f.svc.Close()
	submitted := f.sink.submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, "user", submitted[0].Sender)
	assert.Equal(t, "bot", submitted[1].Sender)
	assert.Equal(t, "Hi there", submitted[1].Text)
}

func TestSend_HelpAndClear(t *testing.T) {
	f := newChatFixture(t, &fakeLLM{})
	ctx := context.Background()

	events, err := f.svc.Send(ctx, DefaultPersonaID, "/help", "")
	require.NoError(t, err)
	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, ChatEventCompletion, evs[0].Type)
	assert.Equal(t, helpText, evs[0].Turn.Text)

	events, err = f.svc.Send(ctx, DefaultPersonaID, "  /CLEAR ", "")
	require.NoError(t, err)
	evs = drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, ChatEventCleared, evs[0].Type)

	turns, err := f.conversations.History(ctx, DefaultPersonaID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, clearedText, turns[0].Text)
	assert.False(t, turns[0].IsStreaming)
	assert.Zero(t, f.llm.callCount())
}

func TestSend_ImageCommandSplitsComposite(t *testing.T) {
	f := newChatFixture(t, &fakeLLM{imageParts: []llm.Part{
		{Text: "Neon city"},
		{InlineData: &llm.InlineData{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
	}})
	ctx := context.Background()

	events, err := f.svc.Send(ctx, DefaultPersonaID, "/image neon city", "")
	require.NoError(t, err)
	evs := drain(events)
	require.Len(t, evs, 1)
	turn := evs[0].Turn
	assert.Equal(t, "Neon city", turn.Text)
	assert.Equal(t, "data:image/png;base64,AQID", turn.ImageURL)

	f.svc.Close()
	require.Len(t, f.archiver.archived, 1)
	submitted := f.sink.submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, f.archiver.archived[0], submitted[1].ImageObject)
}

// blockingSink 的 Submit 一直阻塞，直到 release 被关闭或 ctx 结束。
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Submit(ctx context.Context, _ tasks.TranscriptTask) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

// drainWithin 读完事件流，超过 d 仍未关闭时测试失败。
func drainWithin(t *testing.T, events <-chan ChatEvent, d time.Duration) []ChatEvent {
	t.Helper()
	var out []ChatEvent
	timeout := time.After(d)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream still open after %s", d)
			return out
		}
	}
}

func TestSend_SlowSinkDoesNotHoldReplies(t *testing.T) {
	personas := NewPersonaService(context.Background(), &memSettingsRepo{})
	other, err := personas.Create(context.Background(), model.PersonaDraft{Name: "Other"})
	require.NoError(t, err)
	conversations := NewConversationService(repository.NewMemoryConversationRepository(), personas.Greeting)
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := NewChatService(personas, conversations, NewOrchestrator(&fakeLLM{chunks: []llm.StreamChunk{{Text: "Hi"}}}), sink, nil)
	t.Cleanup(svc.Close)
	t.Cleanup(func() { close(sink.release) })

	ctx := context.Background()
	events, err := svc.Send(ctx, DefaultPersonaID, "hello", "")
	require.NoError(t, err)
	evs := drainWithin(t, events, time.Second)
	require.NotEmpty(t, evs)
	assert.Equal(t, ChatEventCompletion, evs[len(evs)-1].Type)

	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("transcript sink was never called")
	}

	// 另一个 persona 和同一个 persona 的下一次发送都不被阻塞的提交拖住
	events, err = svc.Send(ctx, other.ID, "hi", "")
	require.NoError(t, err)
	drainWithin(t, events, time.Second)

	events, err = svc.Send(ctx, DefaultPersonaID, "again", "")
	require.NoError(t, err)
	evs = drainWithin(t, events, time.Second)
	require.NotEmpty(t, evs)
	assert.Equal(t, "Hi", evs[len(evs)-1].Turn.Text)
}

func TestSend_CancelAndReplace(t *testing.T) {
	fake := &fakeLLM{stream: func(ctx context.Context, call int) iter.Seq2[llm.StreamChunk, error] {
		if call == 0 {
			return blockingStream(ctx, "partial")
		}
		return func(yield func(llm.StreamChunk, error) bool) {
			yield(llm.StreamChunk{Text: "second answer"}, nil)
		}
	}}
	f := newChatFixture(t, fake)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, DefaultPersonaID, "first", "")
	require.NoError(t, err)
	ev := <-first
	require.Equal(t, ChatEventChunk, ev.Type)
	assert.Equal(t, "partial", ev.Text)

	second, err := f.svc.Send(ctx, DefaultPersonaID, "second", "")
	require.NoError(t, err)

	firstRest := drain(first)
	require.Len(t, firstRest, 1)
	assert.Equal(t, ChatEventCompletion, firstRest[0].Type)
	assert.Equal(t, "partial", firstRest[0].Turn.Text)

	secondEvents := drain(second)
	require.NotEmpty(t, secondEvents)
	assert.Equal(t, "second answer", secondEvents[len(secondEvents)-1].Turn.Text)

	turns, err := f.conversations.History(ctx, DefaultPersonaID)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, "partial", turns[2].Text)
	assert.Equal(t, "second", turns[3].Text)
	assert.Equal(t, "second answer", turns[4].Text)
	assert.Zero(t, countStreaming(turns))

	// 第二次请求的历史中包含已结束的第一条回复
	msgs := f.llm.lastMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "partial", msgs[2].Parts[0].Text)
}

func TestStop_FinalizesWithStoppedNotice(t *testing.T) {
	fake := &fakeLLM{stream: func(ctx context.Context, _ int) iter.Seq2[llm.StreamChunk, error] {
		return blockingStream(ctx, "")
	}}
	f := newChatFixture(t, fake)
	ctx := context.Background()

	events, err := f.svc.Send(ctx, DefaultPersonaID, "hello", "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return fake.callCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.svc.Stop(DefaultPersonaID))
	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, stoppedText, evs[0].Turn.Text)
	assert.False(t, f.svc.Stop(DefaultPersonaID))

	turns, err := f.conversations.History(ctx, DefaultPersonaID)
	require.NoError(t, err)
	assert.Zero(t, countStreaming(turns))
}

func TestSend_RequestContextCancelsReply(t *testing.T) {
	fake := &fakeLLM{stream: func(ctx context.Context, _ int) iter.Seq2[llm.StreamChunk, error] {
		return blockingStream(ctx, "half")
	}}
	f := newChatFixture(t, fake)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := f.svc.Send(ctx, DefaultPersonaID, "hello", "")
	require.NoError(t, err)
	<-events
	cancel()
	drain(events)

	turns, err := f.conversations.History(context.Background(), DefaultPersonaID)
	require.NoError(t, err)
	assert.Equal(t, "half", turns[len(turns)-1].Text)
	assert.Zero(t, countStreaming(turns))
}
