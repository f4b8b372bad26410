package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxLogLines     = 500
	historyPerCard  = 5
	cardWidth       = 28
	timeLayout      = "15:04:05"
	cardTimeLayout  = "2006-01-02 15:04:05"
	minViewportRows = 1
)

// EventMsg carries a change received from the relay.
type EventMsg struct {
	Event models.ChangeEvent
}

// StatusMsg reports the connection state.
type StatusMsg struct {
	Connected bool
	Err       error
}

type sensor struct {
	entityID   string
	kind       Kind
	state      *string
	observedAt time.Time
	seen       bool
	history    []string
}

type styles struct {
	title  lipgloss.Style
	muted  lipgloss.Style
	online lipgloss.Style
	card   lipgloss.Style
	levels map[Level]lipgloss.Color
}

func defaultStyles() styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		online: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		card:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(cardWidth),
		levels: map[Level]lipgloss.Color{
			LevelUnknown: lipgloss.Color("240"),
			LevelOK:      lipgloss.Color("42"),
			LevelWarn:    lipgloss.Color("214"),
			LevelAlert:   lipgloss.Color("196"),
		},
	}
}

// Model is the dashboard: one card per sensor with its latest value and
// a scrolling log of every change received.
type Model struct {
	url       string
	sensors   map[string]*sensor
	order     []string
	lines     []string
	viewport  viewport.Model
	width     int
	height    int
	connected bool
	lastErr   error
	styles    styles
	quitting  bool
}

// NewModel pre-creates cards for the expected entities; others get a
// card when their first event arrives.
func NewModel(url string, entityIDs []string) *Model {
	m := &Model{
		url:      url,
		sensors:  make(map[string]*sensor),
		viewport: viewport.New(80, 5),
		styles:   defaultStyles(),
	}
	for _, id := range entityIDs {
		m.sensorFor(id)
	}
	m.viewport.SetContent(m.styles.muted.Render("Waiting for events..."))
	return m
}

func (m *Model) sensorFor(entityID string) *sensor {
	if s, ok := m.sensors[entityID]; ok {
		return s
	}
	s := &sensor{entityID: entityID, kind: KindOf(entityID)}
	m.sensors[entityID] = s
	m.order = append(m.order, entityID)
	sort.Strings(m.order)
	return s
}

func (m *Model) Init() tea.Cmd {
	return nil
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyRunes:
			if msg.String() == "q" {
				m.quitting = true
				return m, tea.Quit
			}
		}
	case StatusMsg:
		m.connected = msg.Connected
		m.lastErr = msg.Err
	case EventMsg:
		m.apply(msg.Event)
	}

	return m, vpCmd
}

// apply records ev. History is replayed newest first, so a card only moves
// forward in time; every event still lands in the log.
func (m *Model) apply(ev models.ChangeEvent) {
	s := m.sensorFor(ev.EntityID)
	value := Format(s.kind, ev.State)

	if !s.seen || !ev.ObservedAt.Before(s.observedAt) {
		s.state = ev.State
		s.observedAt = ev.ObservedAt
		s.seen = true
	}
	s.history = append([]string{ev.ObservedAt.Local().Format(timeLayout) + "  " + value}, s.history...)
	if len(s.history) > historyPerCard {
		s.history = s.history[:historyPerCard]
	}

	line := fmt.Sprintf("%s  %-42s %s",
		ev.ObservedAt.Local().Format(timeLayout),
		ev.EntityID,
		lipgloss.NewStyle().Foreground(m.styles.levels[Assess(s.kind, ev.State)]).Render(value),
	)
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}

	atBottom := m.viewport.AtBottom() || m.viewport.TotalLineCount() <= m.viewport.Height
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
	if m.height > 0 {
		m.resize()
	}
}

func (m *Model) resize() {
	if m.width > 0 {
		m.viewport.Width = m.width
	}
	top := lipgloss.Height(m.header()) + lipgloss.Height(m.cards())
	footer := lipgloss.Height(m.footer())
	m.viewport.Height = max(m.height-top-footer, minViewportRows)
}

func (m *Model) header() string {
	status := m.styles.online.Render("● connected")
	if !m.connected {
		status = lipgloss.NewStyle().Foreground(m.styles.levels[LevelAlert]).Render("● disconnected")
		if m.lastErr != nil {
			status += m.styles.muted.Render(" (" + m.lastErr.Error() + ")")
		}
	}
	return m.styles.title.Render("sensorwatch") + "  " + m.styles.muted.Render(m.url) + "  " + status
}

func (m *Model) card(s *sensor) string {
	level := LevelUnknown
	value := "waiting"
	updated := "never"
	if s.seen {
		level = Assess(s.kind, s.state)
		value = Format(s.kind, s.state)
		updated = s.observedAt.Local().Format(cardTimeLayout)
	}
	color := m.styles.levels[level]

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(strings.ToUpper(s.kind.String())))
	b.WriteString("\n")
	b.WriteString(m.styles.muted.Render(s.entityID))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(color).Render(value))
	b.WriteString("\n")
	b.WriteString(m.styles.muted.Render(updated))
	for _, h := range s.history {
		b.WriteString("\n")
		b.WriteString(m.styles.muted.Render(h))
	}

	return m.styles.card.BorderForeground(color).Render(b.String())
}

func (m *Model) cards() string {
	rendered := make([]string, 0, len(m.order))
	for _, id := range m.order {
		rendered = append(rendered, m.card(m.sensors[id]))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m *Model) footer() string {
	return m.styles.muted.Render(fmt.Sprintf("%d events  ↑/↓ scroll  q quit", len(m.lines)))
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.header(),
		m.cards(),
		m.viewport.View(),
		m.footer(),
	)
}
