package internal

import (
	"fmt"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Ctrl+C bails out from any mode.
		if typedMessage.Type == tea.KeyCtrlC {
			model.quitting = true
			model.room.Leave()
			return model, tea.Quit
		}
		switch model.mode {
		case modeChat:
			return model.updateChat(typedMessage)
		case modeBrowse:
			return model.updateBrowse(typedMessage)
		}

	case roomEnteredMsg:
		if typedMessage.err != nil {
			model.lastErr = typedMessage.err
		}
		return model, nil

	case roomUpdatedMsg:
		// room state changed under a callback; the View pulls fresh state.
		return model, nil

	case olderLoadedMsg:
		if typedMessage.err != nil {
			model.lastErr = typedMessage.err
		}
		return model, nil

	case stagedSentMsg:
		if len(typedMessage.errs) > 0 {
			model.lastErr = typedMessage.errs[0]
			model.notice = fmt.Sprintf("%d image(s) failed to send", len(typedMessage.errs))
		} else {
			model.notice = ""
		}
		return model, nil

	case browseLoadedMsg:
		if typedMessage.err != nil {
			model.lastErr = typedMessage.err
			model.mode = modeChat
			return model, nil
		}
		model.browsePath = typedMessage.path
		model.browseItems = typedMessage.items
		model.browseIndex = 0
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.quitting = true
		model.room.Leave()
		return model, tea.Quit

	case tea.KeyPgUp, tea.KeyCtrlU:
		return model, model.loadOlderCmd()

	case tea.KeyCtrlO:
		model.mode = modeBrowse
		return model, model.browseCmd(DefaultBrowsePath())

	case tea.KeyCtrlS:
		if len(model.picker.Staged()) == 0 {
			model.notice = "no images staged"
			return model, nil
		}
		model.notice = "sending images…"
		return model, model.sendStagedCmd()

	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		if strings.HasPrefix(trimmed, "/") {
			lower := strings.ToLower(trimmed)
			if lower == "/quit" || lower == "/exit" {
				model.quitting = true
				model.room.Leave()
				return model, tea.Quit
			}
			if lower == "/reconnect" {
				model.room.SetForeground(true)
				model.textInput.SetValue("")
				return model, nil
			}
			return model, nil
		}
		if err := model.room.SendText(trimmed); err != nil {
			model.lastErr = err
			return model, nil
		}
		model.lastErr = nil
		model.textInput.SetValue("")
		return model, nil
	}

	var command tea.Cmd
	model.textInput, command = model.textInput.Update(key)
	return model, command
}

func (model *TUIModel) updateBrowse(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeChat
		return model, nil

	case tea.KeyUp:
		if model.browseIndex > 0 {
			model.browseIndex--
		}
		return model, nil

	case tea.KeyDown:
		if model.browseIndex < len(model.browseItems)-1 {
			model.browseIndex++
		}
		return model, nil

	case tea.KeyBackspace, tea.KeyLeft:
		return model, model.browseCmd(filepath.Dir(model.browsePath))

	case tea.KeyCtrlS:
		model.mode = modeChat
		if len(model.picker.Staged()) == 0 {
			return model, nil
		}
		model.notice = "sending images…"
		return model, model.sendStagedCmd()

	case tea.KeyEnter:
		if model.browseIndex >= len(model.browseItems) {
			return model, nil
		}
		item := model.browseItems[model.browseIndex]
		if item.IsDir {
			return model, model.browseCmd(item.Path)
		}
		if _, err := model.picker.Stage(item.Path); err != nil {
			model.lastErr = err
			return model, nil
		}
		model.notice = fmt.Sprintf("%d image(s) staged", len(model.picker.Staged()))
		return model, nil
	}
	return model, nil
}
