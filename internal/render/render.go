// Package render formats chat history for terminal display: role-styled
// headers via lipgloss, markdown bodies via Glamour, and a plain mode
// for piped output detected through the terminal color profile.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"loom/internal/logger"
	"loom/internal/prompt"
	"loom/pkg/loomtypes"
)

// DefaultWordWrap is the markdown word wrap width.
const DefaultWordWrap = 80

// Renderer turns stored history into terminal output.
type Renderer struct {
	plain    bool
	width    int
	markdown *glamour.TermRenderer

	headerStyles map[loomtypes.Role]lipgloss.Style
	timeStyle    lipgloss.Style
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithWordWrap sets the markdown word wrap width.
func WithWordWrap(width int) Option {
	return func(r *Renderer) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithPlain forces plain output regardless of terminal capabilities.
func WithPlain(plain bool) Option {
	return func(r *Renderer) {
		r.plain = plain
	}
}

// New creates a renderer. Without WithPlain, plain mode is chosen
// automatically when the terminal reports no color support, which covers
// piped and redirected output.
func New(opts ...Option) (*Renderer, error) {
	r := &Renderer{
		plain: lipgloss.ColorProfile() == termenv.Ascii,
		width: DefaultWordWrap,
	}
	for _, opt := range opts {
		opt(r)
	}

	if !r.plain {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(r.width),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
		}
		r.markdown = renderer
		r.headerStyles = map[loomtypes.Role]lipgloss.Style{
			loomtypes.RoleUser:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
			loomtypes.RoleAgent:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
			loomtypes.RoleSystem:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			loomtypes.RoleSummary: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")).Italic(true),
			loomtypes.RoleFlush:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")).Faint(true),
		}
		r.timeStyle = lipgloss.NewStyle().Faint(true)
	}
	return r, nil
}

// Turn renders one history entry. Agent and summary bodies go through
// the markdown renderer; other roles are shown verbatim.
func (r *Renderer) Turn(t loomtypes.Turn) string {
	if r.plain {
		return fmt.Sprintf("[%s] %s: %s\n", t.Timestamp.Format(time.RFC3339), prompt.RoleLabel(t.Role), t.Content)
	}

	header := prompt.RoleLabel(t.Role)
	if style, ok := r.headerStyles[t.Role]; ok {
		header = style.Render(header)
	}
	stamp := r.timeStyle.Render(t.Timestamp.Format("2006-01-02 15:04:05"))

	body := t.Content
	if t.Role == loomtypes.RoleAgent || t.Role == loomtypes.RoleSummary {
		rendered, err := r.markdown.Render(body)
		if err != nil {
			logger.Debug("Markdown rendering failed, showing raw content", "error", err)
		} else {
			body = strings.TrimRight(rendered, "\n") + "\n"
		}
	} else {
		body += "\n"
	}

	return fmt.Sprintf("%s %s\n%s", header, stamp, body)
}

// History renders the full turn sequence, oldest first, separated by
// blank lines.
func (r *Renderer) History(turns []loomtypes.Turn) string {
	if len(turns) == 0 {
		return "No history yet.\n"
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, r.Turn(t))
	}
	return strings.Join(parts, "\n")
}
