package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	separatorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).Italic(true)
	unreadBadgeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	imageTagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Italic(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	browseSelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	browseItemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// maxVisibleLines caps how many chat lines render at once.
const maxVisibleLines = 40

func (model *TUIModel) View() string {
	if model.quitting {
		return ""
	}
	if model.mode == modeBrowse {
		return model.renderBrowseView()
	}
	return model.renderChatView()
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{
		"ChatBoard",
		fmt.Sprintf("Room %s", model.room.cfg.RoomID),
		fmt.Sprintf("User %s", model.room.cfg.UserName),
		fmt.Sprintf("Members seen %d", model.room.Presence().ActiveCount()),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	statusLine := model.renderStatusLine()

	var messageLines []string
	items := model.room.ChatItems()
	if len(items) > maxVisibleLines {
		items = items[len(items)-maxVisibleLines:]
	}
	for _, item := range items {
		messageLines = append(messageLines, model.renderChatItem(item))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	if model.room.Store().HasMore() {
		messageLines = append([]string{menuHintStyle.Render("PgUp to load older messages")}, messageLines...)
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("Enter send • Ctrl+O attach image • Ctrl+S send staged • PgUp older • Esc quit")

	sections := []string{header}
	if statusLine != "" {
		sections = append(sections, statusLine)
	}
	if model.notice != "" {
		sections = append(sections, systemMessageStyle.Render(model.notice))
	}
	sections = append(sections, messagesView, inputView)
	if staged := model.picker.Staged(); len(staged) > 0 {
		var names []string
		for _, img := range staged {
			names = append(names, fmt.Sprintf("%s (%s)", img.Name, FormatFileSize(img.Size)))
		}
		sections = append(sections, imageTagStyle.Render("Staged: "+strings.Join(names, ", ")))
	}
	sections = append(sections, footerHint)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderStatusLine() string {
	state := model.room.ConnectionState()

	var stateText string
	switch state {
	case StateConnected:
		stateText = connectedStyle.Render("Connected")
	case StateConnecting, StateReconnecting:
		stateText = connectingStyle.Render(state.String() + "…")
	case StateFailed:
		stateText = errorStyle.Render("Connection failed, /reconnect to retry")
	default:
		stateText = statusStyle.Render("Disconnected")
	}

	snap := model.metrics.Snapshot()
	cacheStats := model.cache.Stats()
	detail := statusStyle.Render(fmt.Sprintf(
		"sent %d • recv %d • reconnects %d • cached imgs %d",
		snap.MessagesSent, snap.MessagesReceived, snap.Reconnects, cacheStats.Cached,
	))

	line := lipgloss.JoinHorizontal(lipgloss.Left, stateText, dividerStyle, detail)
	if model.lastErr != nil {
		line = lipgloss.JoinVertical(lipgloss.Left, line, errorStyle.Render(model.lastErr.Error()))
	}
	return line
}

func (model *TUIModel) renderChatItem(item ChatItem) string {
	switch it := item.(type) {
	case DateSeparator:
		return separatorStyle.Render("── " + it.Date + " ──")
	case Message:
		return model.renderChatMessage(it)
	default:
		return ""
	}
}

// renderChatMessage renders a single chat line: timestamp, colored sender,
// body or image tag, and the outstanding-reader badge on own messages.
func (model *TUIModel) renderChatMessage(msg Message) string {
	clock := msg.CretDate
	if _, rest, ok := strings.Cut(msg.CretDate, " "); ok {
		clock = rest
	}
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", clock))

	var nameStyle lipgloss.Style
	own := msg.Sender == model.room.cfg.UserID
	if own {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Sender))
	}
	displayName := msg.UserName
	if displayName == "" {
		displayName = msg.Sender
	}
	name := nameStyle.Render(displayName)

	var body string
	if msg.Type == TypeImage && msg.ImageInfo != "" {
		body = model.renderImageTag(msg)
	} else {
		body = messageBodyStyle.Render(strings.ReplaceAll(msg.Message, "\n", "\n   "))
	}

	parts := []string{timestamp, " ", name, ": ", body}
	if own {
		if unread := UnreadCount(msg.IsRead); unread > 0 {
			parts = append(parts, " ", unreadBadgeStyle.Render(fmt.Sprintf("%d", unread)))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

// renderImageTag shows a placeholder for image messages sized from the
// shared cache.
func (model *TUIModel) renderImageTag(msg Message) string {
	url := ThumbnailImageURL(model.room.cfg.BaseURL, msg.ImageInfo)
	switch model.cache.LoadStatusOf(url) {
	case StatusLoaded:
		dims, _ := model.cache.CachedSize(url)
		return imageTagStyle.Render(fmt.Sprintf("[image %dx%d: %s]", dims.Width, dims.Height, msg.ImageInfo))
	case StatusLoading:
		return imageTagStyle.Render(fmt.Sprintf("[image loading: %s]", msg.ImageInfo))
	case StatusError:
		return imageTagStyle.Render(fmt.Sprintf("[image unavailable: %s]", msg.ImageInfo))
	default:
		return imageTagStyle.Render(fmt.Sprintf("[image: %s]", msg.ImageInfo))
	}
}

func (model *TUIModel) renderBrowseView() string {
	header := appTitleStyle.Render("Attach images")
	pathLine := menuHintStyle.Render(model.browsePath)

	var lines []string
	if len(model.browseItems) == 0 {
		lines = append(lines, menuHintStyle.Render("No images here."))
	} else {
		for idx, item := range model.browseItems {
			label := item.Name
			if item.IsDir {
				label += "/"
			} else {
				label += "  " + FormatFileSize(item.Size)
			}
			if idx == model.browseIndex {
				lines = append(lines, browseSelStyle.Render("➤ "+label))
			} else {
				lines = append(lines, browseItemStyle.Render("  "+label))
			}
		}
	}

	sections := []string{
		header,
		pathLine,
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
	}
	if staged := model.picker.Staged(); len(staged) > 0 {
		sections = append(sections, imageTagStyle.Render(fmt.Sprintf("%d image(s) staged", len(staged))))
	}
	sections = append(sections, menuHintStyle.Render("↑/↓ select • Enter open/stage • ←/Backspace up • Ctrl+S send • Esc back"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
