// Package tui renders a live terminal view of a running simulation:
// a particle scatter, the energy history and the conserved-quantity
// readout, updated once per full step.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/particle"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(10)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	canvasStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	footStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

const (
	canvasW = 64
	canvasH = 18
	maxDots = 2000
)

// StepMsg carries one full step's worth of view state.
type StepMsg struct {
	Diag      diag.Diagnostics
	Step      int
	Positions [][2]float64
}

// DoneMsg signals the end of the run.
type DoneMsg struct{ Err error }

type liveModel struct {
	title  string
	cancel context.CancelFunc

	last      diag.Diagnostics
	step      int
	positions [][2]float64
	history   []float64

	done bool
	err  error

	width  int
	height int
}

func (m liveModel) Init() tea.Cmd { return nil }

func (m liveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "escape":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StepMsg:
		m.last = msg.Diag
		m.step = msg.Step
		m.positions = msg.Positions
		m.history = append(m.history, msg.Diag.Etot)
		if len(m.history) > 200 {
			m.history = m.history[1:]
		}
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m liveModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(strings.ToUpper(m.title)) + "\n\n")
	b.WriteString(canvasStyle.Render(m.drawParticles()) + "\n")

	if len(m.history) > 1 {
		chart := asciigraph.Plot(m.history,
			asciigraph.Height(5),
			asciigraph.Width(canvasW-10),
			asciigraph.Caption("total energy"))
		b.WriteString(graphStyle.Render(chart) + "\n\n")
	}

	b.WriteString(labelStyle.Render("Time") + valueStyle.Render(fmt.Sprintf("%.4g", m.last.Time)) + "\n")
	b.WriteString(labelStyle.Render("Step") + valueStyle.Render(fmt.Sprintf("%d", m.step)) + "\n")
	b.WriteString(labelStyle.Render("Particles") + valueStyle.Render(fmt.Sprintf("%d", m.last.Nsph)) + "\n")
	b.WriteString(labelStyle.Render("Energy") + valueStyle.Render(fmt.Sprintf("%.6g", m.last.Etot)) + "\n")
	b.WriteString(labelStyle.Render("Momentum") + valueStyle.Render(fmt.Sprintf("%.3g", m.last.Mom.Norm(3))) + "\n\n")

	if m.done {
		if m.err != nil {
			b.WriteString(footStyle.Render(fmt.Sprintf("finished with error: %v", m.err)) + "\n")
		} else {
			b.WriteString(footStyle.Render("finished") + "\n")
		}
	} else {
		b.WriteString(footStyle.Render("q to stop") + "\n")
	}
	return b.String()
}

// drawParticles scatters the sampled positions onto a fixed ASCII
// canvas, axes scaled to the current bounding box.
func (m liveModel) drawParticles() string {
	grid := make([][]rune, canvasH)
	for i := range grid {
		grid[i] = make([]rune, canvasW)
		for j := range grid[i] {
			grid[i][j] = ' '
		}
	}

	if len(m.positions) > 0 {
		minX, maxX := m.positions[0][0], m.positions[0][0]
		minY, maxY := m.positions[0][1], m.positions[0][1]
		for _, p := range m.positions {
			minX, maxX = min(minX, p[0]), max(maxX, p[0])
			minY, maxY = min(minY, p[1]), max(maxY, p[1])
		}
		sx, sy := maxX-minX, maxY-minY
		if sx <= 0 {
			sx = 1
		}
		if sy <= 0 {
			sy = 1
		}
		for _, p := range m.positions {
			col := int((p[0] - minX) / sx * float64(canvasW-1))
			row := int((p[1] - minY) / sy * float64(canvasH-1))
			grid[canvasH-1-row][col] = '·'
		}
	}

	var b strings.Builder
	border := "+" + strings.Repeat("-", canvasW) + "+\n"
	b.WriteString(border)
	for _, row := range grid {
		b.WriteString("|")
		b.WriteString(string(row))
		b.WriteString("|\n")
	}
	b.WriteString(border)
	return b.String()
}

// Live owns the terminal program for one run.
type Live struct {
	prog *tea.Program
}

// NewLive builds the view. cancel is invoked when the user quits so
// the simulation goroutine winds down with it.
func NewLive(title string, cancel context.CancelFunc) *Live {
	return &Live{prog: tea.NewProgram(liveModel{title: title, cancel: cancel})}
}

// Run blocks until the view exits.
func (l *Live) Run() error {
	_, err := l.prog.Run()
	return err
}

// Send forwards a message into the view from another goroutine.
func (l *Live) Send(msg tea.Msg) { l.prog.Send(msg) }

// Monitor adapts the live view to the simulation observer. It samples
// particle positions from the store on every full step.
type Monitor struct {
	live  *Live
	store *particle.Store
	ndim  int
}

func NewMonitor(live *Live, store *particle.Store, ndim int) *Monitor {
	return &Monitor{live: live, store: store, ndim: ndim}
}

// OnStep projects the particles onto the view plane: x-y for 2-d and
// 3-d runs, the x-v phase plane for 1-d.
func (m *Monitor) OnStep(d diag.Diagnostics, step int) {
	stride := 1
	if m.store.Nsph > maxDots {
		stride = m.store.Nsph / maxDots
	}
	pos := make([][2]float64, 0, maxDots)
	for i := 0; i < m.store.Nsph; i += stride {
		p := m.store.At(i)
		if p.Dead {
			continue
		}
		if m.ndim == 1 {
			pos = append(pos, [2]float64{p.R[0], p.V[0]})
		} else {
			pos = append(pos, [2]float64{p.R[0], p.R[1]})
		}
	}
	m.live.Send(StepMsg{Diag: d, Step: step, Positions: pos})
}
