package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/rlhf/replay"
	"github.com/gomlx/rlhf/rollouts"
)

type progressMsg struct {
	done, total int
}

type finishedMsg struct {
	err error
}

// captureSink keeps the latest statistics for display.
type captureSink struct {
	mu    sync.Mutex
	stats map[string]float64
}

func (c *captureSink) Record(stats map[string]float64, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = stats
}

func (c *captureSink) snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type uiModel struct {
	bar      progress.Model
	viewport viewport.Model

	collector *rollouts.Collector
	store     *replay.Buffer
	sink      *captureSink
	events    chan progressMsg

	started     time.Time
	done, total int
	finished    bool
	err         error
}

func newUIModel() *uiModel {
	sink := &captureSink{}
	collector, store := BuildCollector(sink)

	m := &uiModel{
		bar:       progress.New(progress.WithDefaultGradient()),
		viewport:  viewport.New(0, 0),
		collector: collector,
		store:     store,
		sink:      sink,
		events:    make(chan progressMsg, 16),
		started:   time.Now(),
		total:     *flagNumRollouts,
	}
	m.viewport.Style = lipgloss.NewStyle().Margin(1, 2).
		Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("99"))
	collector.Progress = func(done, total int) {
		select {
		case m.events <- progressMsg{done: done, total: total}:
		default: // UI is behind, drop the update.
		}
	}
	return m
}

func (m *uiModel) Init() tea.Cmd {
	return tea.Batch(m.collect, m.nextProgress)
}

// collect runs the experience collection and optionally saves a snapshot.
func (m *uiModel) collect() tea.Msg {
	err := m.collector.MakeExperience(context.Background(), *flagNumRollouts, 0)
	if err == nil && *flagSnapshot != "" {
		err = m.store.Save(*flagSnapshot)
	}
	return finishedMsg{err: err}
}

func (m *uiModel) nextProgress() tea.Msg {
	return <-m.events
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		if msg.String() == "q" {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 8
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 6

	case progressMsg:
		m.done, m.total = msg.done, msg.total
		return m, m.nextProgress

	case finishedMsg:
		m.finished = true
		m.err = msg.err
		m.done = m.total
		if m.err != nil {
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *uiModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("\nCollection failed: %+v\n", m.err)
	}

	frac := 0.0
	if m.total > 0 {
		frac = float64(m.done) / float64(m.total)
	}
	header := fmt.Sprintf("\n  Collecting experience: %s of %s elements (%s elapsed)\n\n  %s\n",
		humanize.Comma(int64(m.done)), humanize.Comma(int64(m.total)),
		time.Since(m.started).Round(time.Second), m.bar.ViewAs(frac))

	m.viewport.SetContent(m.renderStats())
	footer := "\n\t• Ctrl+C, ESC or q to quit.\n"
	if m.finished {
		footer = fmt.Sprintf("\n  Done: %s elements in the replay buffer. Press q to quit.\n",
			humanize.Comma(int64(m.store.Len())))
	}
	return header + m.viewport.View() + footer
}

func (m *uiModel) renderStats() string {
	stats := m.sink.snapshot()
	if stats == nil {
		return "Waiting for the first collection round..."
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%-28s %12.5g\n", key, stats[key])
	}
	return b.String()
}
