// Package kiosk is the customer-facing terminal display: orders being prepared on the
// left and pickup numbers ready for collection on the right.
package kiosk

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ericchongums/kopikap-dashboard/internal/board"
)

// FrameMsg carries a new board frame into the program.
type FrameMsg struct {
	Frame board.Frame
}

// ErrMsg reports a broken board stream. The pump keeps retrying.
type ErrMsg struct {
	Board string
	Err   error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F5E6C8")).
			Background(lipgloss.Color("#6F4E37")).Padding(0, 2)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true).MarginBottom(1)
	columnStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	readyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2E8B57"))
	newStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#CC3333"))
)

// Model is the bubbletea model of the kiosk screen.
type Model struct {
	title   string
	spinner spinner.Model
	boards  map[string]board.Frame
	errs    map[string]error
	width   int
}

func New(title string) Model {
	return Model{
		title:   title,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		boards:  make(map[string]board.Frame),
		errs:    make(map[string]error),
	}
}

func (m Model) Init() tea.Cmd { return m.spinner.Tick }

func (m Model) loaded() bool {
	_, p := m.boards[board.NamePreparing]
	_, r := m.boards[board.NamePickup]
	return p && r
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case FrameMsg:
		m.boards[msg.Frame.Board] = msg.Frame
		delete(m.errs, msg.Frame.Board)
	case ErrMsg:
		m.errs[msg.Board] = msg.Err
	case spinner.TickMsg:
		if m.loaded() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	if !m.loaded() {
		b.WriteString(m.spinner.View() + " connecting to the order feed...\n")
		return b.String()
	}

	colWidth := 36
	if m.width > 0 {
		colWidth = max(24, m.width/2-4)
	}
	left := columnStyle.Width(colWidth).Render(m.preparingColumn())
	right := columnStyle.Width(colWidth).Render(m.pickupColumn())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	b.WriteString("\n")
	for _, name := range []string{board.NamePreparing, board.NamePickup} {
		if err := m.errs[name]; err != nil {
			b.WriteString(warningStyle.Render(fmt.Sprintf("%s feed interrupted: %v", name, err)) + "\n")
		}
	}
	b.WriteString(mutedStyle.Render("q to quit"))
	return b.String()
}

func (m Model) preparingColumn() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Now Preparing"))
	b.WriteString("\n")
	f := m.boards[board.NamePreparing]
	if len(f.Cards) == 0 {
		b.WriteString(mutedStyle.Render("No orders in progress"))
		return b.String()
	}
	for _, c := range f.Cards {
		name := c.Order.UserName
		if name == "" {
			name = "Guest"
		}
		fmt.Fprintf(&b, "%s  %s\n", c.Order.ShortID(), name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) pickupColumn() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Ready for Pickup"))
	b.WriteString("\n")
	f := m.boards[board.NamePickup]
	if len(f.Cards) == 0 {
		b.WriteString(mutedStyle.Render("Nothing waiting"))
		return b.String()
	}
	for _, c := range f.Cards {
		num := readyStyle.Render("#" + c.Order.PickupNumber)
		if c.New {
			num = newStyle.Render("#" + c.Order.PickupNumber)
		}
		fmt.Fprintf(&b, "%s  %s\n", num, mutedStyle.Render(c.AgeLabel))
	}
	return strings.TrimRight(b.String(), "\n")
}
