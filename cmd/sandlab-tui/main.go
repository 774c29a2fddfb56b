// Command sandlab-tui is a live terminal viewer for sandbox runs and
// their detection events.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Config
const (
	defaultDaemonURL = "http://localhost:8390"
	defaultSandbox   = "sbx-dev"
	pollRate         = time.Second
	maxRuns          = 10
	viewportHeight   = 20
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	eventTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	runStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))

	flagStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	rateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // Blue
)

// API Types (mirrored from pkg/store to avoid CGO deps)

type Event struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	StepIndex int             `json:"step_index"`
	Seq       int             `json:"seq"`
	EventType string          `json:"event_type"`
	SimTime   int64           `json:"sim_time"`
	Metadata  json.RawMessage `json:"metadata"`
}

type Run struct {
	RunID      string    `json:"run_id"`
	SandboxID  string    `json:"sandbox_id"`
	AttackType string    `json:"attack_type"`
	Seed       int64     `json:"seed"`
	Mode       string    `json:"mode"`
	CreatedAt  time.Time `json:"created_at"`
}

type tickMsg time.Time

type dataMsg struct {
	runs   []Run
	events []Event
	err    error
}

type model struct {
	spinner  spinner.Model
	viewport viewport.Model
	runs     []Run
	events   []Event
	err      error
	ready    bool
}

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner: s,
		runs:    []Run{},
		events:  []Event{},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.runs = msg.runs
			m.events = msg.events
			m.updateViewportContent()
		}

		if !m.ready {
			m.ready = true
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	for _, e := range m.events {
		ts := fmt.Sprintf("t=%ds", e.SimTime)

		var typeStr string
		switch e.EventType {
		case "abuse_flagged":
			typeStr = flagStyle.Render(e.EventType)
		case "rate_limited":
			typeStr = rateStyle.Render(e.EventType)
		default:
			typeStr = infoStyle.Render(e.EventType)
		}

		line := fmt.Sprintf("%s [%d.%d] %s %s\n",
			eventTimeStyle.Render(ts),
			e.StepIndex, e.Seq,
			typeStr,
			subtleStyle.Render(string(e.Metadata)),
		)
		sb.WriteString(line)
	}

	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Initializing...", m.spinner.View())
	}

	var runList strings.Builder
	runList.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Recent Runs: "+sandbox()) + "\n\n")

	if len(m.runs) == 0 {
		runList.WriteString(subtleStyle.Render("No runs on this partition."))
	} else {
		for _, run := range m.runs {
			runList.WriteString(fmt.Sprintf("• %s %s seed=%d (%s)\n",
				runStyle.Render(run.RunID), run.AttackType, run.Seed, run.Mode))
		}
	}

	topPane := paneStyle.Render(runList.String())

	header := headerStyle.Render(fmt.Sprintf("%s Event Stream (latest run)", m.spinner.View()))
	bottomPane := m.viewport.View()

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Runs • %d Events", len(m.runs), len(m.events)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// Commands

func fetchData() tea.Cmd {
	return func() tea.Msg {
		runs, err := getRuns()
		if err != nil {
			return dataMsg{err: err}
		}

		var events []Event
		if len(runs) > 0 {
			events, err = getEvents(runs[0].RunID)
			if err != nil {
				return dataMsg{err: err}
			}
		}

		return dataMsg{
			runs:   runs,
			events: events,
			err:    nil,
		}
	}
}

func getRuns() ([]Run, error) {
	var runs []Run
	url := fmt.Sprintf("%s/v1/runs?sandbox_id=%s&limit=%d", daemonURL(), sandbox(), maxRuns)
	if err := getJSON(url, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func getEvents(runID string) ([]Event, error) {
	var events []Event
	url := fmt.Sprintf("%s/v1/runs/%s/events", daemonURL(), runID)
	if err := getJSON(url, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func getJSON(url string, out interface{}) error {
	c := &http.Client{Timeout: 500 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := os.Getenv("SANDLAB_API_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func daemonURL() string {
	if v := os.Getenv("SANDLAB_ENDPOINT"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultDaemonURL
}

func sandbox() string {
	if v := os.Getenv("SANDLAB_SANDBOX"); v != "" {
		return v
	}
	return defaultSandbox
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
