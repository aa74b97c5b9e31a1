package service

// 机器人回复中使用的固定文案，客户端依赖其 Markdown 格式渲染。
const (
	helpText = "👋 **Bot Commands:**\n\n🎨 `/image <prompt>` - Generate an image\n🧹 `/clear` - Clear conversation\n💬 Just type to chat!"

	imageUsageText     = "⚠️ **Usage:** `/image <description>`\nExample: `/image a futuristic city with neon lights`"
	defaultImageText   = "Here is your generated image:"
	imageNotFoundText  = "Sorry, I couldn't generate an image for that prompt."
	imageFailedText    = "❌ **Generation Failed:**\n\nI couldn't generate the image. This usually happens if the API key is missing or invalid. \n\n**Tip:** You can get a free API key (no credit card needed) at [aistudio.google.com](https://aistudio.google.com/)."
	chatDiagnosticText = "⚠️ **Connection Issue**\n\nI couldn't connect to the Gemini API. This typically happens when:\n1. The `API_KEY` is missing in environment variables.\n2. The key is invalid or expired.\n\n**Good News:** You don't need a paid account! Get a **free** key at [Google AI Studio](https://aistudio.google.com/) (no credit card required).\n\n_System is in offline demo mode._"

	clearedText        = "🧹 **Chat cleared.**"
	stoppedText        = "⏹️ _Response stopped._"
	fallbackGreeting   = "Hello!"
	defaultInstruction = "You are a helpful assistant."
)
