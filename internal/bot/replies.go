package bot

import "fmt"

// Fixed reply texts.
const (
	StaticGreeting      = "Hello, user! This is a static message from the bot."
	WelcomeText         = "Welcome! How can I assist you?"
	FallbackText        = "I'm experiencing some difficulties right now. Could you please try again?"
	EmptyCompletionText = "I'm not sure how to respond to that."
	MissingContentText  = "⚠️ The attachment has no content type and cannot be processed."
	FileUnavailableText = "⚠️ Unable to retrieve the file. Please try sharing it again."
)

// DefaultConversation keys history for activities without a conversation id.
const DefaultConversation = "default-conversation"

func echoText(text string) string {
	return `You said: "` + text + `"`
}

func fileLinkText(name, url string) string {
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("Here is your file: [%s](%s)", name, url)
}

func unsupportedText(contentType string) string {
	return "⚠️ Unsupported file type: " + contentType
}
