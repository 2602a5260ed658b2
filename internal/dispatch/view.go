package dispatch

import (
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/storage"
)

// View is the presentation a Controller drives. Calls for one controller
// are serialized; a View shared between controllers must lock itself.
type View interface {
	// AppendMessage shows a new message at the end of the conversation.
	AppendMessage(m chat.Message)
	// ShowStatus replaces the status line.
	ShowStatus(text string)
	// SetBusy toggles the input controls. It flips to true when a request
	// cycle starts and back to false exactly once when the cycle ends.
	SetBusy(busy bool)
}

// Store is the persistence a Controller needs.
type Store interface {
	GetChat(id string) (storage.Chat, error)
	GetProject(id string) (storage.Project, error)
	ListMessages(chatID string) ([]storage.Message, error)
	AppendMessage(chatID string, role chat.Role, content string, ts time.Time) (storage.Message, error)
	RenameChat(id, title string) error
	SetChatModel(id, model string) error
	SaveExchange(e storage.Exchange) (storage.Exchange, error)
}

// NopView discards everything.
type NopView struct{}

func (NopView) AppendMessage(chat.Message) {}
func (NopView) ShowStatus(string)          {}
func (NopView) SetBusy(bool)               {}
