// Package ui is the terminal chat front end.
package ui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sheerbytes/roomdrop/internal/app"
	prog "github.com/sheerbytes/roomdrop/internal/progress"
	"github.com/sheerbytes/roomdrop/internal/transfer"
)

const (
	roomTimeout     = 30 * time.Second
	analysisTimeout = 90 * time.Second
)

// Backend is the part of app.Chat the UI drives.
type Backend interface {
	Events() <-chan app.Event
	CreateRoom(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, topicHex string) error
	TopicHex() string
	SendText(text string) error
	SendFile(ctx context.Context, path string) (*transfer.Handle, error)
	CancelSend() bool
	Incoming() []transfer.Progress
	DropIncoming() int
	Disconnect() error
	Received() []transfer.Blob
	Save(fileID string) (string, error)
	Analyze(ctx context.Context, fileID string) (string, error)
}

type lineKind int

const (
	lineSystem lineKind = iota
	lineSelf
	linePeer
	lineError
	lineFile
)

type line struct {
	at   time.Time
	kind lineKind
	from string
	text string
}

type transferRow struct {
	name     string
	outgoing bool
	fraction float64
	stats    prog.Stats
}

type (
	eventMsg  struct{ event app.Event }
	roomMsg   struct{ err error }
	leaveMsg  struct{ err error }
	resultMsg struct {
		text string
		kind lineKind
		err  error
	}
)

// Model is the bubbletea model for one chat session.
type Model struct {
	chat   Backend
	join   string
	width  int
	height int
	ready  bool

	viewport  viewport.Model
	input     textinput.Model
	bar       progress.Model
	lines     []line
	transfers map[string]*transferRow
	status    string
	peer      string
	now       func() time.Time
}

// NewModel returns a model that creates a room, or joins joinTopic when it is
// not empty.
func NewModel(chat Backend, joinTopic string) Model {
	in := textinput.New()
	in.Placeholder = "Type a message or /help"
	in.Prompt = "› "
	in.CharLimit = 0
	in.Focus()

	return Model{
		chat:      chat,
		join:      joinTopic,
		viewport:  viewport.New(80, 20),
		input:     in,
		bar:       progress.New(progress.WithDefaultGradient()),
		transfers: make(map[string]*transferRow),
		status:    "starting...",
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.openRoom(), waitForEvent(m.chat.Events()))
}

func waitForEvent(events <-chan app.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-events}
	}
}

func (m Model) openRoom() tea.Cmd {
	chat, join := m.chat, m.join
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), roomTimeout)
		defer cancel()
		if join != "" {
			return roomMsg{err: chat.JoinRoom(ctx, join)}
		}
		_, err := chat.CreateRoom(ctx)
		return roomMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.layout()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			value := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(value) != "" {
				next, cmd := m.submit(value)
				return next, cmd
			}
			return m, nil
		}
	case roomMsg:
		if msg.err != nil {
			m.status = "room failed"
			m.addLine(lineError, "", "Could not open room: "+msg.err.Error())
		} else if topic := m.chat.TopicHex(); topic != "" {
			m.status = "waiting for peer"
			m.addLine(lineSystem, "", "Topic: "+topic)
		}
	case leaveMsg:
		m.peer = ""
		m.transfers = make(map[string]*transferRow)
		m.status = "not in a room"
		if msg.err != nil {
			m.addLine(lineError, "", "Leave: "+msg.err.Error())
		} else {
			m.addLine(lineSystem, "", "Left the room")
		}
		m.layout()
	case eventMsg:
		m.handleEvent(msg.event)
		cmds = append(cmds, waitForEvent(m.chat.Events()))
	case resultMsg:
		if msg.err != nil {
			m.addLine(lineError, "", msg.err.Error())
		} else if msg.text != "" {
			m.addLine(msg.kind, "", msg.text)
		}
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submit(value string) (Model, tea.Cmd) {
	c := parseCommand(value)
	chat := m.chat
	switch c.Name {
	case "":
		if err := chat.SendText(c.Arg); err != nil {
			m.addLine(lineError, "", "Message not sent: "+err.Error())
		}
	case "send":
		if c.Arg == "" {
			m.addLine(lineError, "", "usage: /send <path>")
			return m, nil
		}
		path := c.Arg
		return m, func() tea.Msg {
			_, err := chat.SendFile(context.Background(), path)
			return resultMsg{err: err}
		}
	case "cancel":
		sending := chat.CancelSend()
		dropped := chat.DropIncoming()
		if dropped > 0 {
			for id, row := range m.transfers {
				if !row.outgoing {
					delete(m.transfers, id)
				}
			}
			m.layout()
		}
		if !sending && dropped == 0 {
			m.addLine(lineSystem, "", "No transfer to cancel")
		}
	case "save", "analyze":
		files := chat.Received()
		i, ok := fileIndex(c.Arg, len(files))
		if !ok {
			m.addLine(lineError, "", "No such file. Use /files to list received files")
			return m, nil
		}
		f := files[i]
		if c.Name == "save" {
			return m, func() tea.Msg {
				path, err := chat.Save(f.FileID)
				if err != nil {
					return resultMsg{err: err}
				}
				return resultMsg{kind: lineFile, text: "Saved " + f.Name + " to " + path}
			}
		}
		m.addLine(lineSystem, "", "Analyzing "+f.Name+"...")
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
			defer cancel()
			summary, err := chat.Analyze(ctx, f.FileID)
			if err != nil {
				return resultMsg{kind: lineError, text: "Failed to analyze " + f.Name + ": " + err.Error()}
			}
			return resultMsg{kind: lineSystem, text: "Summary of " + f.Name + ":\n" + summary}
		}
	case "files":
		files := chat.Received()
		incoming := chat.Incoming()
		if len(files) == 0 && len(incoming) == 0 {
			m.addLine(lineSystem, "", "No files received yet")
		}
		for i, f := range files {
			m.addLine(lineFile, "", fmt.Sprintf("%d. %s (%s, %s)", i+1, f.Name, f.Mime, prog.FormatBytes(int64(len(f.Data)))))
		}
		for _, p := range incoming {
			m.addLine(lineSystem, "", fmt.Sprintf("receiving %s: %d of %d chunks, %s of %s", p.Name, p.Chunks, p.Total,
				prog.FormatBytes(p.Bytes), prog.FormatBytes(p.TotalBytes)))
		}
	case "leave":
		if chat.TopicHex() == "" {
			m.addLine(lineSystem, "", "Not in a room")
			return m, nil
		}
		return m, func() tea.Msg {
			return leaveMsg{err: chat.Disconnect()}
		}
	case "topic":
		if topic := chat.TopicHex(); topic != "" {
			m.addLine(lineSystem, "", "Topic: "+topic)
		} else {
			m.addLine(lineSystem, "", "Not in a room")
		}
	case "help":
		m.addLine(lineSystem, "", helpText)
	case "quit", "exit":
		return m, tea.Quit
	default:
		m.addLine(lineError, "", "Unknown command /"+c.Name+". "+helpText)
	}
	return m, nil
}

func (m *Model) handleEvent(e app.Event) {
	switch e := e.(type) {
	case app.StatusEvent:
		m.addLine(lineSystem, "", e.Text)
	case app.ChatEvent:
		kind := linePeer
		if e.Outgoing {
			kind = lineSelf
		}
		m.addLine(kind, e.From, e.Text)
	case app.PeerEvent:
		if e.Connected {
			m.peer = e.Name
			m.status = "connected to " + e.Name
		} else {
			m.peer = ""
			m.status = "peer left"
			m.addLine(lineSystem, "", "Peer "+e.Name+" disconnected")
		}
	case app.StateEvent:
		if m.peer == "" {
			m.status = e.State.String()
		}
	case app.TransferEvent:
		p := e.Progress
		row, ok := m.transfers[p.FileID]
		if !ok {
			row = &transferRow{name: p.Name, outgoing: e.Outgoing}
			m.transfers[p.FileID] = row
		}
		row.fraction = p.Fraction()
		row.stats = e.Stats
		if !e.Outgoing && p.Chunks >= p.Total {
			delete(m.transfers, p.FileID)
		}
	case app.FileSentEvent:
		delete(m.transfers, e.FileID)
	case app.FileReceivedEvent:
		delete(m.transfers, e.File.FileID)
		n := len(m.chat.Received())
		m.addLine(lineFile, "", fmt.Sprintf("Received %s (%s, %s). /save %d to download, /analyze %d to summarize",
			e.File.Name, e.File.Mime, prog.FormatBytes(int64(len(e.File.Data))), n, n))
	case app.ErrorEvent:
		if errors.Is(e.Err, transfer.ErrCancelled) {
			return
		}
		text := e.Err.Error()
		if e.From != "" {
			text = e.From + ": " + text
		}
		m.addLine(lineError, "", text)
	}
	m.layout()
}

func (m *Model) addLine(kind lineKind, from, text string) {
	m.lines = append(m.lines, line{at: m.now(), kind: kind, from: from, text: text})
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderLines())
	m.viewport.GotoBottom()
}

// layout sizes the viewport around the header, transfer rows and input.
func (m *Model) layout() {
	if !m.ready {
		m.refresh()
		return
	}
	inner := max(m.width-4, 10)
	m.input.Width = inner - 2
	m.bar.Width = min(inner/2, 40)
	reserved := 1 + len(m.transfers) + 3 + 2
	m.viewport.Width = inner
	m.viewport.Height = max(m.height-reserved, 3)
	m.refresh()
}

func (m Model) renderLines() string {
	var b strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(timeStyle.Render(l.at.Format("15:04")))
		b.WriteByte(' ')
		switch l.kind {
		case lineSelf:
			b.WriteString(selfStyle.Render(l.from+":") + " " + l.text)
		case linePeer:
			b.WriteString(peerStyle.Render(l.from+":") + " " + l.text)
		case lineError:
			b.WriteString(errorStyle.Render(l.text))
		case lineFile:
			b.WriteString(fileStyle.Render(l.text))
		default:
			b.WriteString(systemStyle.Render(l.text))
		}
	}
	text := b.String()
	if m.viewport.Width > 0 {
		text = lipgloss.NewStyle().Width(m.viewport.Width).Render(text)
	}
	return text
}

func (m Model) View() string {
	header := headerStyle.Render("roomdrop") + " " + statusStyle.Render(m.status)

	var rows []string
	ids := make([]string, 0, len(m.transfers))
	for id := range m.transfers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		row := m.transfers[id]
		arrow := "↓"
		if row.outgoing {
			arrow = "↑"
		}
		rows = append(rows, fmt.Sprintf("%s %s %s %s ETA %s", arrow, row.name, m.bar.ViewAs(row.fraction),
			prog.FormatRate(row.stats.RateBps), prog.FormatETA(row.stats.ETA)))
	}

	parts := []string{header, chatBoxStyle.Render(m.viewport.View())}
	parts = append(parts, rows...)
	parts = append(parts, inputBoxStyle.Render(m.input.View()))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
