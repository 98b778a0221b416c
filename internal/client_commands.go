package internal

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// message types flowing back into Update
type (
	roomUpdatedMsg  struct{}
	roomEnteredMsg  struct{ err error }
	olderLoadedMsg  struct{ err error }
	stagedSentMsg   struct{ errs []error }
	browseLoadedMsg struct {
		path  string
		items []FileItem
		err   error
	}
)

// enterRoomCmd runs room entry off the UI goroutine: history load, image
// preload, socket connect.
func (model *TUIModel) enterRoomCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return roomEnteredMsg{err: model.room.Enter(ctx, true)}
	}
}

func (model *TUIModel) loadOlderCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return olderLoadedMsg{err: model.room.MaybeLoadPrevious(ctx)}
	}
}

// sendStagedCmd runs the sequential upload-then-publish flow for every
// staged image.
func (model *TUIModel) sendStagedCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return stagedSentMsg{errs: model.room.SendStagedImages(ctx)}
	}
}

func (model *TUIModel) browseCmd(path string) tea.Cmd {
	return func() tea.Msg {
		items, err := model.picker.BrowseDirectory(path)
		return browseLoadedMsg{path: path, items: items, err: err}
	}
}

// RunClient wires the room callbacks into the bubbletea program and runs
// the screen until quit.
func RunClient(room *ChatRoom, picker *ImagePicker, cache *ImageCache, metrics *Metrics) error {
	program := tea.NewProgram(NewTUIModel(room, picker, cache, metrics))
	room.SetOnUpdate(func() {
		program.Send(roomUpdatedMsg{})
	})
	_, err := program.Run()
	return err
}
