// Package bot decides how the bot answers an authenticated activity.
package bot

import (
	"regexp"
	"slices"
	"strings"

	"github.com/soyeahso/teamsforge/internal/domain"
)

// Kind is the variant an activity is dispatched on.
type Kind string

const (
	KindIgnore             Kind = "ignore"
	KindConversationUpdate Kind = "conversationUpdate"
	KindMissingContentType Kind = "missingContentType"
	KindHTMLQuirk          Kind = "htmlQuirk"
	KindFileLink           Kind = "fileLink"
	KindFileLinkMissing    Kind = "fileLinkMissing"
	KindAttachmentEcho     Kind = "attachmentEcho"
	KindUnsupported        Kind = "unsupported"
	KindText               Kind = "text"
)

// EchoableContentTypes are attachment types sent back unchanged.
var EchoableContentTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"application/pdf",
	"application/vnd.ms-excel",
}

// Turn is a classified activity. Only the fields relevant to Kind are set.
type Turn struct {
	Kind        Kind
	Text        string
	Attachment  domain.Attachment
	DownloadURL string
	Joined      []domain.ChannelAccount
}

// Classify maps an activity to its turn kind. Only the first attachment is
// considered, and attachments take precedence over text.
func Classify(a *domain.Activity) Turn {
	switch {
	case a == nil:
		return Turn{Kind: KindIgnore}
	case a.Type == domain.ActivityConversationUpdate:
		return Turn{Kind: KindConversationUpdate, Joined: a.JoinedMembers()}
	case !a.IsMessage():
		return Turn{Kind: KindIgnore}
	}

	att, ok := a.FirstAttachment()
	if !ok {
		return Turn{Kind: KindText, Text: cleanText(a.Text)}
	}

	t := Turn{Attachment: att}
	switch ct := att.ContentType; {
	case ct == "":
		t.Kind = KindMissingContentType
	case ct == domain.ContentTypeHTML:
		t.Kind = KindHTMLQuirk
	case ct == domain.ContentTypeFileDownload:
		if info, ok := att.DownloadInfo(); ok {
			t.Kind = KindFileLink
			t.DownloadURL = info.DownloadURL
		} else {
			t.Kind = KindFileLinkMissing
		}
	case slices.Contains(EchoableContentTypes, ct):
		t.Kind = KindAttachmentEcho
	default:
		t.Kind = KindUnsupported
	}
	return t
}

var mentionPattern = regexp.MustCompile(`(?s)<at>.*?</at>`)

// cleanText drops Teams @mention markup and surrounding whitespace.
func cleanText(s string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(s, ""))
}
