package model

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

const (
	maxRolls       = 500
	initialRolls   = 100
	statusInterval = 2 * time.Second
)

// App is the root Bubble Tea model: a live view of the daemon's rolls.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// State
	status *uds.StatusResponse
	rolls  []core.RollEvent

	// UI
	table     table.Model
	width     int
	height    int
	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	t := table.New(
		table.WithColumns(rollColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())
	return App{
		socketPath: socketPath,
		events:     make(chan uds.Message, 64),
		table:      t,
		statusMsg:  "connecting...",
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("dicewatch"),
	)
}

// tickMsg triggers periodic status refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct{ client *uds.Client }

// statusMsg carries a daemon status snapshot.
type statusMsg struct{ status uds.StatusResponse }

// rollsMsg carries the recent roll history.
type rollsMsg struct{ rolls []core.RollEvent }

// eventMsg carries a pushed daemon event.
type eventMsg uds.Message

// errorMsg carries an error to display.
type errorMsg struct{ err error }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(ch <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStatusCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var st uds.StatusResponse
		if err := client.Call(ctx, uds.MethodStatus, nil, &st); err != nil {
			return errorMsg{err}
		}
		return statusMsg{st}
	}
}

func fetchRollsCmd(client *uds.Client, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var out uds.RecentRollsResponse
		if err := client.Call(ctx, uds.MethodRecentRolls, uds.RecentRollsRequest{Limit: limit}, &out); err != nil {
			return errorMsg{err}
		}
		return rollsMsg{out.Rolls}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetHeight(max(a.height-statusPaneHeight-6, 3))
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected"

		events := a.events
		a.client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})

		return a, tea.Batch(
			tickCmd(),
			fetchStatusCmd(a.client),
			fetchRollsCmd(a.client, initialRolls),
			waitForEvent(a.events),
		)

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchStatusCmd(a.client))
		}
		return a, tickCmd()

	case statusMsg:
		st := msg.status
		a.status = &st
		return a, nil

	case rollsMsg:
		a.rolls = msg.rolls
		a.refreshTable()
		return a, nil

	case eventMsg:
		return a.handleEvent(uds.Message(msg))

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a App) handleEvent(m uds.Message) (tea.Model, tea.Cmd) {
	next := waitForEvent(a.events)
	switch m.Method {
	case uds.EventRollNew:
		var evt core.RollEvent
		if err := m.UnmarshalData(&evt); err != nil {
			a.statusMsg = "error: " + err.Error()
			return a, next
		}
		a.addRoll(evt)
		a.statusMsg = fmt.Sprintf("new roll %s = %d %s", evt.Pair, evt.Sum, evt.Class)
	case uds.EventSegmentRotated:
		var rot uds.RotationEvent
		if err := m.UnmarshalData(&rot); err == nil {
			a.statusMsg = fmt.Sprintf("segment rotated (%d rows, delivered=%v)", rot.Closed.Rows, rot.Delivered)
		}
		if a.client != nil {
			return a, tea.Batch(next, fetchStatusCmd(a.client))
		}
	}
	return a, next
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "r":
		if a.client == nil {
			return a, connectCmd(a.socketPath)
		}
		a.statusMsg = "refreshing"
		return a, tea.Batch(fetchStatusCmd(a.client), fetchRollsCmd(a.client, initialRolls))
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

func (a *App) addRoll(evt core.RollEvent) {
	a.rolls = append(a.rolls, evt)
	if len(a.rolls) > maxRolls {
		a.rolls = a.rolls[len(a.rolls)-maxRolls:]
	}
	a.refreshTable()
}

// refreshTable shows rolls newest first.
func (a *App) refreshTable() {
	rows := make([]table.Row, 0, len(a.rolls))
	for i := len(a.rolls) - 1; i >= 0; i-- {
		r := a.rolls[i]
		rows = append(rows, table.Row{
			r.Time.Local().Format("15:04:05"),
			fmt.Sprint(int(r.Pair.First)),
			fmt.Sprint(int(r.Pair.Second)),
			fmt.Sprint(r.Sum),
			string(r.Class),
		})
	}
	a.table.SetRows(rows)
}

// Tally counts rolls by classification.
type Tally struct {
	Total, Even, Odd, Pairs int
}

// Count tallies rolls.
func Count(rolls []core.RollEvent) Tally {
	var t Tally
	for _, r := range rolls {
		t.Total++
		if r.Class.IsEven() {
			t.Even++
		} else {
			t.Odd++
		}
		if r.Class.IsPair() {
			t.Pairs++
		}
	}
	return t
}
