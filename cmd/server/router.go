package main

import (
	"telegemini-go/internal/handler"
	"telegemini-go/internal/middleware"
	"telegemini-go/internal/service"

	"github.com/gin-gonic/gin"
)

func newRouter(
	personas *service.PersonaService,
	conversations *service.ConversationService,
	generator *service.PersonaGenerator,
	chatService *service.ChatService,
	searchService service.SearchService,
) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS())

	personaHandler := handler.NewPersonaHandler(personas, conversations, generator)
	conversationHandler := handler.NewConversationHandler(personas, conversations, chatService)

	apiV1 := r.Group("/api/v1")
	{
		p := apiV1.Group("/personas")
		{
			p.GET("", personaHandler.List)
			p.POST("", personaHandler.Create)
			p.POST("/generate", personaHandler.Generate)
			p.GET("/:id", personaHandler.Get)
			p.PUT("/:id", personaHandler.Update)
		}

		conv := apiV1.Group("/conversations")
		{
			conv.GET("/:personaId", conversationHandler.GetConversation)
			conv.DELETE("/:personaId", conversationHandler.ClearConversation)
			conv.POST("/:personaId/messages", conversationHandler.SendMessage)
		}

		apiV1.GET("/search", handler.NewSearchHandler(searchService).SearchTranscripts)
	}

	// Chat 路由 (WebSocket)
	r.GET("/chat/:personaId", handler.NewChatHandler(personas, chatService).Handle)
	return r
}
