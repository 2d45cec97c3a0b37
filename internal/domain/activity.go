package domain

import "encoding/json"

// ActivityType classifies a Bot Framework activity.
type ActivityType string

const (
	ActivityMessage            ActivityType = "message"
	ActivityConversationUpdate ActivityType = "conversationUpdate"
	ActivityTyping             ActivityType = "typing"
	ActivityInvoke             ActivityType = "invoke"
)

// Attachment content types with special handling.
const (
	ContentTypeHTML         = "text/html"
	ContentTypeFileDownload = "application/vnd.microsoft.teams.file.download.info"
)

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// ConversationAccount identifies the conversation an activity belongs to.
type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
}

// Attachment is a file or card attached to an activity. Content is kept raw
// because its shape depends on ContentType.
type Attachment struct {
	ContentType string          `json:"contentType,omitempty"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

// FileDownloadInfo is the content of a Teams file download attachment.
type FileDownloadInfo struct {
	DownloadURL string `json:"downloadUrl"`
	UniqueID    string `json:"uniqueId,omitempty"`
	FileType    string `json:"fileType,omitempty"`
}

// DownloadInfo decodes the attachment content as FileDownloadInfo. It returns
// false when the content is absent, malformed or lacks a download URL.
func (a Attachment) DownloadInfo() (FileDownloadInfo, bool) {
	var info FileDownloadInfo
	if len(a.Content) == 0 {
		return info, false
	}
	if err := json.Unmarshal(a.Content, &info); err != nil {
		return info, false
	}
	return info, info.DownloadURL != ""
}

// Activity is a Bot Framework activity, used for both inbound requests and
// outbound replies.
type Activity struct {
	Type         ActivityType        `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId"`
	From         ChannelAccount      `json:"from"`
	Conversation ConversationAccount `json:"conversation"`
	Recipient    ChannelAccount      `json:"recipient"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	MembersAdded []ChannelAccount    `json:"membersAdded,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Locale       string              `json:"locale,omitempty"`
}

// IsMessage reports whether the activity is a user message.
func (a *Activity) IsMessage() bool {
	return a.Type == ActivityMessage
}

// FirstAttachment returns the first attachment, if any. Only the first one
// drives reply selection.
func (a *Activity) FirstAttachment() (Attachment, bool) {
	if len(a.Attachments) == 0 {
		return Attachment{}, false
	}
	return a.Attachments[0], true
}

// JoinedMembers returns members added to the conversation other than the
// activity's recipient (the bot itself).
func (a *Activity) JoinedMembers() []ChannelAccount {
	var out []ChannelAccount
	for _, m := range a.MembersAdded {
		if m.ID != a.Recipient.ID {
			out = append(out, m)
		}
	}
	return out
}

// Reply builds an outbound message addressed back to the activity's sender in
// the same conversation. The caller assigns the ID.
func (a *Activity) Reply(text string) *Activity {
	return &Activity{
		Type:         ActivityMessage,
		ServiceURL:   a.ServiceURL,
		ChannelID:    a.ChannelID,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		Text:         text,
		TextFormat:   "markdown",
		ReplyToID:    a.ID,
		Locale:       a.Locale,
	}
}
