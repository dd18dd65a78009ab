package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

// Renderer handles styled terminal output.
type Renderer struct {
	width  int
	styled bool

	Summary lipgloss.Style
	Muted   lipgloss.Style
	Data    lipgloss.Style
	Error   lipgloss.Style
	Hint    lipgloss.Style
	Warning lipgloss.Style
	Success lipgloss.Style
	Header  lipgloss.Style
}

// NewRenderer creates a renderer. Styling is enabled when writing to a TTY,
// or when forceStyled is true, unless NO_COLOR is set.
func NewRenderer(w io.Writer, forceStyled bool) *Renderer {
	width, tty := terminalInfo(w)
	styled := (tty || forceStyled) && os.Getenv("NO_COLOR") == ""

	r := &Renderer{width: width, styled: styled}
	if !styled {
		return r
	}

	r.Summary = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	r.Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7089"))
	r.Data = lipgloss.NewStyle().Foreground(lipgloss.Color("#c0caf5"))
	r.Error = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	r.Hint = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7089")).Italic(true)
	r.Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	r.Success = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	r.Header = lipgloss.NewStyle().Foreground(lipgloss.Color("#c0caf5")).Bold(true)
	return r
}

// Styled reports whether the renderer emits ANSI styling.
func (r *Renderer) Styled() bool {
	return r.styled
}

// terminalInfo returns the terminal width and whether the writer is a TTY.
func terminalInfo(w io.Writer) (width int, isTTY bool) {
	width = 80
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(f.Fd()); err == nil && cols >= 40 {
			width = cols
		}
		isTTY = term.IsTerminal(f.Fd())
	}
	return width, isTTY
}

// RenderResponse renders a success response to the writer.
func (r *Renderer) RenderResponse(w io.Writer, resp *Response) error {
	var b strings.Builder

	if resp.Summary != "" {
		b.WriteString(r.Summary.Render(resp.Summary))
		b.WriteString("\n\n")
	}

	r.renderData(&b, NormalizeData(resp.Data))

	if len(resp.Breadcrumbs) > 0 {
		b.WriteString("\n")
		b.WriteString(r.Muted.Render("Next:"))
		b.WriteString("\n")
		for _, bc := range resp.Breadcrumbs {
			line := "  " + bc.Cmd
			if bc.Description != "" {
				line += "  # " + bc.Description
			}
			b.WriteString(r.Muted.Render(line) + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderError renders an error response to the writer.
func (r *Renderer) RenderError(w io.Writer, resp *ErrorResponse) error {
	var b strings.Builder

	b.WriteString(r.Error.Render("Error: " + resp.Error))
	b.WriteString("\n")

	if resp.Hint != "" {
		b.WriteString(r.Hint.Render("Hint: " + resp.Hint))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Renderer) renderData(b *strings.Builder, data any) {
	switch d := data.(type) {
	case map[string]any:
		r.renderObject(b, d)
	case []any:
		if len(d) == 0 {
			b.WriteString(r.Muted.Render("(no results)"))
			b.WriteString("\n")
			return
		}
		if rows := toMapSlice(d); rows != nil {
			r.renderTable(b, rows)
			return
		}
		for _, item := range d {
			b.WriteString(r.Data.Render("• " + formatCell(item)))
			b.WriteString("\n")
		}
	case nil:
		b.WriteString(r.Muted.Render("(no data)"))
		b.WriteString("\n")
	default:
		b.WriteString(r.Data.Render(formatCell(d)))
		b.WriteString("\n")
	}
}

func toMapSlice(slice []any) []map[string]any {
	result := make([]map[string]any, 0, len(slice))
	for _, item := range slice {
		m, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		result = append(result, m)
	}
	return result
}

// Column priority for table rendering (lower = higher priority)
var columnPriority = map[string]int{
	"id":            1,
	"subject_id":    2,
	"kind":          3,
	"attempts":      4,
	"next_retry_at": 5,
	"last_error":    6,
	"created_at":    7,
}

func sortedKeys(rows []map[string]any) []string {
	seen := map[string]bool{}
	var keys []string
	for _, row := range rows {
		for k, v := range row {
			if seen[k] {
				continue
			}
			switch v.(type) {
			case map[string]any, []any:
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := priority(keys[i]), priority(keys[j])
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func priority(key string) int {
	if p, ok := columnPriority[key]; ok {
		return p
	}
	return 50
}

func (r *Renderer) renderTable(b *strings.Builder, rows []map[string]any) {
	keys := sortedKeys(rows)
	widths := make([]int, len(keys))
	for i, k := range keys {
		widths[i] = len(formatHeader(k))
		for _, row := range rows {
			if n := len(formatCell(row[k])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var header []string
	for i, k := range keys {
		header = append(header, r.Header.Render(fmt.Sprintf("%-*s", widths[i], formatHeader(k))))
	}
	b.WriteString(strings.Join(header, "  "))
	b.WriteString("\n")

	for _, row := range rows {
		var cells []string
		for i, k := range keys {
			style := r.Data
			if k == "id" || k == "created_at" {
				style = r.Muted
			}
			cells = append(cells, style.Render(fmt.Sprintf("%-*s", widths[i], formatCell(row[k]))))
		}
		b.WriteString(strings.Join(cells, "  "))
		b.WriteString("\n")
	}
}

func (r *Renderer) renderObject(b *strings.Builder, data map[string]any) {
	keys := sortedKeys([]map[string]any{data})
	if len(keys) == 0 {
		b.WriteString(r.Muted.Render("(no data)"))
		b.WriteString("\n")
		return
	}

	maxLen := 0
	for _, k := range keys {
		if n := len(formatHeader(k)); n > maxLen {
			maxLen = n
		}
	}
	for _, k := range keys {
		label := r.Muted.Render(fmt.Sprintf("%-*s: ", maxLen, formatHeader(k)))
		b.WriteString(label + r.Data.Render(formatCell(data[k])) + "\n")
	}
}

func formatHeader(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func formatCell(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
