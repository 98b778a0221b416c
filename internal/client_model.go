package internal

import (
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// tui model struct for the chat room screen and the attach-image browser
type TUIModel struct {
	textInput textinput.Model
	room      *ChatRoom
	picker    *ImagePicker
	cache     *ImageCache
	metrics   *Metrics

	mode        appMode
	browsePath  string
	browseItems []FileItem
	browseIndex int

	notice   string
	lastErr  error
	quitting bool
}

type appMode int

const (
	modeChat appMode = iota
	modeBrowse
)

func NewTUIModel(room *ChatRoom, picker *ImagePicker, cache *ImageCache, metrics *Metrics) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	return &TUIModel{
		textInput: input,
		room:      room,
		picker:    picker,
		cache:     cache,
		metrics:   metrics,
		mode:      modeChat,
	}
}

// init user
func DefaultUsername() string {
	if user := os.Getenv("CHATBOARD_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	return model.enterRoomCmd()
}
