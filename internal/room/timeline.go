package room

import (
	"fmt"

	"github.com/storyweave/client-go/internal/protocol"
)

// EntryKind discriminates timeline entries.
type EntryKind int

const (
	EntrySystemNotice EntryKind = iota
	EntrySnippet
	EntryStoryArtifact
)

// Entry is one item in a room's timeline. The timeline is append-only:
// entries are never mutated or removed, and order is arrival order.
type Entry struct {
	Kind     EntryKind
	Text     string
	Author   string // snippets only
	ImageURL string // story artifacts only
	MusicURL string // story artifacts only
}

func systemNotice(text string) Entry {
	return Entry{Kind: EntrySystemNotice, Text: text}
}

func snippetEntry(item protocol.SnippetItem) Entry {
	return Entry{Kind: EntrySnippet, Author: item.SenderUsername, Text: item.Snippet}
}

func artifactEntry(part protocol.StoryPart) Entry {
	return Entry{
		Kind:     EntryStoryArtifact,
		Text:     part.Text,
		ImageURL: part.ImageURL,
		MusicURL: part.MusicURL,
	}
}

func roundStartedNotice(p protocol.RoundStarted) string {
	if p.Triggerer != "" {
		return fmt.Sprintf("round %d started by %s", p.Round, p.Triggerer)
	}
	return fmt.Sprintf("round %d started", p.Round)
}
