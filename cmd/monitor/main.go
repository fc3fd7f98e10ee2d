package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"cerebro/internal/domain"
	sqlitestore "cerebro/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/cerebro.db", "sqlite database path")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	app := tview.NewApplication()

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Task detail").SetBorder(true)

	statsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statsView.SetTitle("Queue").SetBorder(true)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statsView, 7, 0, false).
		AddItem(detailView, 0, 1, false)

	root := tview.NewFlex().
		AddItem(tasksTable, 0, 2, true).
		AddItem(right, 0, 1, false)

	var tasks []domain.Task
	selected := ""

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		loaded, err := store.ListTasks(ctx, "", 200)
		if err != nil {
			detailView.SetText(fmt.Sprintf("[red]load error: %v", err))
			return
		}
		tasks = loaded
		renderTasksTable(tasksTable, tasks, selected)

		stats, err := store.Stats(ctx)
		if err == nil {
			statsView.SetText(renderStats(stats))
		}
		if selected != "" {
			for _, t := range tasks {
				if t.ID == selected {
					detailView.SetText(renderDetail(t))
					break
				}
			}
		}
	}

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row < 1 || row > len(tasks) {
			return
		}
		selected = tasks[row-1].ID
		detailView.SetText(renderDetail(tasks[row-1]))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10, tcell.KeyEscape:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refresh()
			return nil
		}
		if event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q') {
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for range ticker.C {
			app.QueueUpdateDraw(refresh)
		}
	}()

	refresh()
	if err := app.SetRoot(root, true).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedID string) {
	table.Clear()
	headers := []string{"ID", "STATUS", "PRIO", "AGENT", "UPDATED", "DESCRIPTION"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(t.ID))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Priority)))
		table.SetCell(row, 3, tview.NewTableCell(t.AgentID))
		table.SetCell(row, 4, tview.NewTableCell(t.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.Description, 60)))
		if t.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	case domain.TaskStatusInProgress:
		return tcell.ColorYellow
	case domain.TaskStatusBlocked:
		return tcell.ColorOrange
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderStats(stats map[domain.TaskStatus]int) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	total := 0
	for _, k := range keys {
		n := stats[domain.TaskStatus(k)]
		total += n
		fmt.Fprintf(&b, "%-12s %d\n", k, n)
	}
	fmt.Fprintf(&b, "%-12s %d", "total", total)
	return b.String()
}

func renderDetail(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]%s[-]\n\n", t.ID)
	fmt.Fprintf(&b, "status:   %s\n", t.Status)
	fmt.Fprintf(&b, "priority: %s\n", t.Priority)
	if t.AgentID != "" {
		fmt.Fprintf(&b, "agent:    %s\n", t.AgentID)
	}
	if t.SquadID != "" {
		fmt.Fprintf(&b, "squad:    %s\n", t.SquadID)
	}
	fmt.Fprintf(&b, "created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "updated:  %s\n\n", t.UpdatedAt.Format(time.RFC3339))
	b.WriteString(t.Description)
	if len(t.Metadata) > 0 {
		meta, err := json.MarshalIndent(t.Metadata, "", "  ")
		if err == nil {
			b.WriteString("\n\n[blue]metadata[-]\n")
			b.Write(meta)
		}
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}
