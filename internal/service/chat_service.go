// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"telegemini-go/internal/model"
	"telegemini-go/pkg/log"
	"telegemini-go/pkg/tasks"
)

// recordTimeout 限制一次回复结束后归档图片和提交转写任务的总时长。
const recordTimeout = 30 * time.Second

// ErrEmptyMessage 表示既没有文本也没有图片。
var ErrEmptyMessage = errors.New("message text and image are both empty")

// ChatEventType 是推送给客户端的事件类型。
type ChatEventType string

const (
	ChatEventChunk      ChatEventType = "chunk"
	ChatEventCompletion ChatEventType = "completion"
	ChatEventCleared    ChatEventType = "cleared"
)

// ChatEvent 是一次发送产生的事件。
// chunk 携带累计文本，completion 携带结束后的机器人消息，cleared 携带清空后的会话。
type ChatEvent struct {
	Type   ChatEventType
	TurnID string
	Text   string
	Turn   *model.Turn
	Turns  []model.Turn
}

// TranscriptSink 接收已结束的消息，交给转写管道处理。
type TranscriptSink interface {
	Submit(ctx context.Context, task tasks.TranscriptTask) error
}

// MediaArchiver 把消息中的图片另存到对象存储，返回对象名。
type MediaArchiver interface {
	Archive(ctx context.Context, personaID, turnID, dataURI string) (string, error)
}

type inflightReply struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ChatService 实现发送流程：处理 /clear，追加用户消息和占位消息，
// 把编排器的事件写回会话并转发给调用方。
// 同一会话的新发送会取消正在生成的回复，被取消的消息以已生成的文本结束。
type ChatService struct {
	personas      *PersonaService
	conversations *ConversationService
	orchestrator  *Orchestrator
	sink          TranscriptSink
	archiver      MediaArchiver

	sendMu   sync.Mutex
	mu       sync.Mutex
	inflight map[string]*inflightReply
	// records 跟踪回复结束后在后台进行的归档和转写提交
	records sync.WaitGroup
}

// NewChatService 创建一个新的 ChatService。sink 和 archiver 可以为 nil。
func NewChatService(personas *PersonaService, conversations *ConversationService, orchestrator *Orchestrator, sink TranscriptSink, archiver MediaArchiver) *ChatService {
	return &ChatService{
		personas:      personas,
		conversations: conversations,
		orchestrator:  orchestrator,
		sink:          sink,
		archiver:      archiver,
		inflight:      make(map[string]*inflightReply),
	}
}

// Send 向 persona 发送一条消息并返回事件流。事件流在回复结束后关闭。
// ctx 被取消时回复也会被取消。
func (s *ChatService) Send(ctx context.Context, personaID, text, image string) (<-chan ChatEvent, error) {
	persona, err := s.personas.Get(personaID)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && image == "" {
		return nil, ErrEmptyMessage
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.stopAndWait(personaID)

	if strings.EqualFold(trimmed, "/clear") {
		turns, err := s.clear(ctx, personaID)
		if err != nil {
			return nil, err
		}
		out := make(chan ChatEvent, 1)
		out <- ChatEvent{Type: ChatEventCleared, Turns: turns}
		close(out)
		return out, nil
	}

	settled, err := s.conversations.SettleStreaming(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if settled > 0 {
		log.Warnf("[ChatService] 结束了 %d 条残留的 streaming 消息, persona: %s", settled, personaID)
	}

	// 历史快照在追加新消息之前获取
	history, err := s.conversations.History(ctx, personaID)
	if err != nil {
		return nil, err
	}
	userTurn, err := s.conversations.AppendUserTurn(ctx, personaID, text, image)
	if err != nil {
		return nil, err
	}
	handle, err := s.conversations.BeginBotTurn(ctx, personaID)
	if err != nil {
		return nil, err
	}
	// 调用方已经放弃，不再发起请求
	if err := ctx.Err(); err != nil {
		if abortErr := s.conversations.Abort(context.WithoutCancel(ctx), handle); abortErr != nil {
			log.Warnf("[ChatService] 撤回占位消息失败, persona: %s, error: %v", personaID, abortErr)
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	reply := &inflightReply{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.inflight[personaID] = reply
	s.mu.Unlock()

	req := RespondRequest{
		History:       history,
		Text:          text,
		Instructions:  s.personas.Instructions(persona.ID),
		AttachedImage: image,
	}
	out := make(chan ChatEvent, 1)
	go s.run(runCtx, reply, handle, userTurn, req, out)
	return out, nil
}

// Clear 取消正在生成的回复并清空会话，与发送 /clear 等价。
func (s *ChatService) Clear(ctx context.Context, personaID string) ([]model.Turn, error) {
	if _, err := s.personas.Get(personaID); err != nil {
		return nil, err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.stopAndWait(personaID)
	return s.clear(ctx, personaID)
}

// clear 需要在持有 sendMu 且没有回复在生成时调用。
func (s *ChatService) clear(ctx context.Context, personaID string) ([]model.Turn, error) {
	turns, err := s.conversations.Clear(ctx, personaID)
	if err != nil {
		return nil, err
	}
	log.Infof("[ChatService] 会话已清空, persona: %s", personaID)
	return turns, nil
}

// Stop 取消 persona 正在生成的回复，返回是否存在这样的回复。
func (s *ChatService) Stop(personaID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply, ok := s.inflight[personaID]
	if ok {
		reply.cancel()
	}
	return ok
}

// Close 取消所有正在生成的回复，等待它们结束以及后台的归档和转写提交完成。
func (s *ChatService) Close() {
	s.mu.Lock()
	replies := make([]*inflightReply, 0, len(s.inflight))
	for _, r := range s.inflight {
		r.cancel()
		replies = append(replies, r)
	}
	s.mu.Unlock()
	for _, r := range replies {
		<-r.done
	}
	s.records.Wait()
}

func (s *ChatService) stopAndWait(personaID string) {
	s.mu.Lock()
	reply, ok := s.inflight[personaID]
	s.mu.Unlock()
	if !ok {
		return
	}
	log.Infof("[ChatService] 新消息取消正在生成的回复, persona: %s", personaID)
	reply.cancel()
	<-reply.done
}

func (s *ChatService) run(ctx context.Context, reply *inflightReply, h TurnHandle, userTurn model.Turn, req RespondRequest, out chan<- ChatEvent) {
	// 回复被取消后仍然要把消息写回会话
	storeCtx := context.WithoutCancel(ctx)
	defer func() {
		s.mu.Lock()
		if s.inflight[h.PersonaID] == reply {
			delete(s.inflight, h.PersonaID)
		}
		s.mu.Unlock()
		reply.cancel()
		close(out)
		close(reply.done)
	}()

	var (
		streamed  string
		final     string
		citations []model.Citation
		completed bool
	)
	for ev := range s.orchestrator.Respond(ctx, req) {
		switch ev.Kind {
		case EventChunk:
			streamed = ev.Text
			if err := s.conversations.UpdateStreaming(storeCtx, h, ev.Text); err != nil {
				log.Warnf("[ChatService] 更新 streaming 消息失败, turn: %s, error: %v", h.TurnID, err)
			}
			s.emit(ctx, out, ChatEvent{Type: ChatEventChunk, TurnID: h.TurnID, Text: ev.Text})
		case EventComplete:
			final, citations, completed = ev.Text, ev.Citations, true
		}
	}
	if !completed {
		final = streamed
		if final == "" {
			final = stoppedText
		}
	}

	caption, image := model.SplitComposite(final)
	botTurn, err := s.conversations.Finalize(storeCtx, h, caption, image, citations)
	if err != nil {
		log.Warnf("[ChatService] 结束消息失败, turn: %s, error: %v", h.TurnID, err)
		return
	}
	s.emitFinal(ctx, out, ChatEvent{Type: ChatEventCompletion, TurnID: h.TurnID, Text: botTurn.Text, Turn: &botTurn})

	// 归档和转写提交不阻塞事件流的关闭，也不阻塞同一会话的下一次发送
	s.records.Add(1)
	go func() {
		defer s.records.Done()
		recordCtx, cancel := context.WithTimeout(storeCtx, recordTimeout)
		defer cancel()
		s.record(recordCtx, h.PersonaID, userTurn)
		s.record(recordCtx, h.PersonaID, botTurn)
	}()
}

func (s *ChatService) emit(ctx context.Context, out chan<- ChatEvent, ev ChatEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// emitFinal 在回复已取消时只做非阻塞发送，调用方可能已经不再读取。
func (s *ChatService) emitFinal(ctx context.Context, out chan<- ChatEvent, ev ChatEvent) {
	if ctx.Err() == nil {
		s.emit(ctx, out, ev)
		return
	}
	select {
	case out <- ev:
	default:
	}
}

// record 把消息图片归档并提交给转写管道，失败只记录日志。
func (s *ChatService) record(ctx context.Context, personaID string, turn model.Turn) {
	var object string
	if turn.ImageURL != "" && s.archiver != nil {
		name, err := s.archiver.Archive(ctx, personaID, turn.ID, turn.ImageURL)
		if err != nil {
			log.Warnf("[ChatService] 图片归档失败, turn: %s, error: %v", turn.ID, err)
		} else {
			object = name
		}
	}
	if s.sink == nil {
		return
	}
	err := s.sink.Submit(ctx, tasks.TranscriptTask{
		PersonaID:   personaID,
		TurnID:      turn.ID,
		Sender:      string(turn.Sender),
		Text:        turn.Text,
		ImageObject: object,
		Timestamp:   turn.Timestamp,
	})
	if err != nil {
		log.Warnf("[ChatService] 提交转写任务失败, turn: %s, error: %v", turn.ID, err)
	}
}
