package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"aura/internal/core"
	"aura/internal/state"
	"aura/internal/transparency"
	"aura/internal/types"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// watchCmd runs the kernel with a live view
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the kernel with a live view; keystrokes become INPUT/KEY commands",
	Long: `Boots the kernel, starts the tick loop and redraws on every settled
state. Each key you press is submitted as INPUT/KEY, so typing heats the
INPUT resonance and eventually triggers synthesis. Press ctrl+c or esc to quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	events := rt.kernel.Subscribe()
	defer rt.kernel.Unsubscribe(events)

	go func() { _ = rt.kernel.Run(ctx, cfg.GetTickInterval()) }()

	m := newWatchModel(ctx, rt.kernel, events, cfg.Resonance.Max)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	stop()
	return err
}

// =============================================================================
// WATCH MODEL
// =============================================================================

type eventMsg transparency.Event

type closedMsg struct{}

type submitResultMsg struct{ err error }

type watchModel struct {
	ctx      context.Context
	kernel   *core.Kernel
	events   <-chan transparency.Event
	styles   styles
	maxScore float64

	tree    state.Tree
	last    transparency.Event
	lastErr error
	width   int
}

func newWatchModel(ctx context.Context, k *core.Kernel, events <-chan transparency.Event, maxScore float64) watchModel {
	return watchModel{
		ctx:      ctx,
		kernel:   k,
		events:   events,
		styles:   newStyles(),
		maxScore: maxScore,
		tree:     k.State(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// waitForEvent blocks on the next bus event.
func waitForEvent(ch <-chan transparency.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m watchModel) submit(c types.Command) tea.Cmd {
	return func() tea.Msg {
		_, err := m.kernel.Submit(m.ctx, c)
		return submitResultMsg{err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			return m, m.submit(types.Command{Kind: types.KindReset})
		case tea.KeyCtrlL:
			return m, m.submit(types.Command{Kind: types.KindClearErrors})
		}
		return m, m.submit(types.NewCommand("INPUT/KEY", map[string]any{"key": msg.String()}))

	case submitResultMsg:
		m.lastErr = msg.err
		return m, nil

	case eventMsg:
		ev := transparency.Event(msg)
		m.last = ev
		m.tree = m.kernel.State()
		return m, waitForEvent(m.events)

	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	body := renderStatus(m.styles, m.tree, m.maxScore)

	footer := m.styles.Muted.Render(fmt.Sprintf("last event: %s %s", m.last.Type, m.last.Kind))
	if m.last.RuleID != "" {
		footer += m.styles.Warning.Render(" rule " + m.last.RuleID)
	}
	if m.lastErr != nil {
		footer += "\n" + m.styles.Error.Render("submit failed: "+m.lastErr.Error())
	}
	help := m.styles.Muted.Render("type to resonate • ctrl+r reset • ctrl+l clear errors • esc quit")

	return lipgloss.JoinVertical(lipgloss.Left, body, "", footer, help)
}
