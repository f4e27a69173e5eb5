package session

// System messages shown in the conversation.
const (
	MsgConnectionError   = "❌ Connection error. Please try again."
	MsgConnectionLost    = "❌ Connection lost. Please reopen the chat."
	MsgVoiceConnection   = "❌ Voice chat connection error"
	MsgStartConversation = "Let's start a conversation first"
	MsgNoConversation    = "❌ No active conversation. Please send a message first."
	MsgSwitchingHuman    = "Connecting you to human support..."
	MsgSwitchingAI       = "Switching back to AI assistant..."
	MsgSwitchedHuman     = "👤 Connected to human support team"
	MsgSwitchedAI        = "🤖 Now chatting with AI assistant"
	MsgSwitchFailed      = "❌ Failed to switch mode. Please try again."
	MsgSupportAlready    = "⚠️ Support has already been requested for this conversation."
	MsgSupportFailed     = "❌ Failed to request support. Please try again."
	MsgSupportSuffix     = ". A team member will assist you shortly."
	MsgNewConversation   = "✨ Started a new conversation"
)
