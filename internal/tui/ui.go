// Package tui renders a live status table for supervised program groups.
// It is a pure presentation layer: the run loop pushes snapshots into
// Update and the table redraws.
package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const tableTitle = "Programs"

// Row is one child's snapshot as displayed in the table.
type Row struct {
	Program string
	Child   int
	Pid     int
	State   string
	Retries int
	Uptime  time.Duration
}

// UI coordinates the interactive status interface backed by tview.
type UI struct {
	app   *tview.Application
	table *tview.Table

	mu      sync.Mutex
	rows    []Row
	stopped bool

	stopOnce sync.Once
}

// New constructs the status UI. Pressing q or Esc stops it, which the
// run loop treats like an interrupt.
func New() *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 0)
	table.SetBorder(true).SetTitle(tableTitle)

	ui := &UI{app: app, table: table}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || (event.Key() == tcell.KeyRune && event.Rune() == 'q') {
			ui.Stop()
			return nil
		}
		return event
	})

	app.SetRoot(table, true)
	ui.render(nil)
	return ui
}

// Run blocks until the UI stops.
func (u *UI) Run() error {
	return u.app.Run()
}

// Stop terminates the UI event loop. Safe to call multiple times.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped = true
		u.mu.Unlock()
		u.app.Stop()
	})
}

// Update replaces the displayed snapshot. Updates after Stop are dropped
// because nothing drains the application's queue anymore.
func (u *UI) Update(rows []Row) {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.rows = append(u.rows[:0], rows...)
	snapshot := append([]Row(nil), u.rows...)
	u.mu.Unlock()

	u.app.QueueUpdateDraw(func() {
		u.render(snapshot)
	})
}

func (u *UI) render(rows []Row) {
	u.table.Clear()
	headers := []string{"PROGRAM", "CHILD", "PID", "STATE", "RETRIES", "UPTIME"}
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}
	for i, row := range rows {
		pid := "-"
		if row.Pid > 0 {
			pid = fmt.Sprintf("%d", row.Pid)
		}
		cells := []string{
			row.Program,
			fmt.Sprintf("%d", row.Child),
			pid,
			row.State,
			fmt.Sprintf("%d", row.Retries),
			FormatUptime(row.Uptime),
		}
		for col, text := range cells {
			cell := tview.NewTableCell(text).SetTextColor(stateColor(row.State, col))
			u.table.SetCell(i+1, col, cell)
		}
	}
}

func stateColor(state string, col int) tcell.Color {
	if col != 3 {
		return tcell.ColorWhite
	}
	switch state {
	case "running":
		return tcell.ColorGreen
	case "backoff", "stopping":
		return tcell.ColorYellow
	case "exited", "killed":
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

// FormatUptime renders a duration in compact h/m/s form for the table.
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
