package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name            string
	BorderStyle     BorderStyle
	HeaderSeparator bool
	Padding         int
	// MaxWidth caps the rendered width; 0 uses the terminal width
	MaxWidth int
}

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

var (
	// DefaultTableStyle is a simple ASCII table style
	DefaultTableStyle = TableStyle{
		Name:            "default",
		BorderStyle:     ASCIIBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// RoundedTableStyle uses Unicode box drawing characters
	RoundedTableStyle = TableStyle{
		Name:            "rounded",
		BorderStyle:     RoundedBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// CompactTableStyle is minimal with no borders
	CompactTableStyle = TableStyle{
		Name:    "compact",
		Padding: 1,
	}
)

var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|", Cross: "+",
		TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│", Cross: "┼",
		TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}
)

// ColumnColorizer picks a color for a cell value. ok=false leaves it plain.
type ColumnColorizer func(value string) (color Color, ok bool)

// Table renders rows of text with aligned columns
type Table struct {
	headers       []string
	rows          [][]string
	alignments    map[int]Alignment
	colorizers    map[int]ColumnColorizer
	style         TableStyle
	colorSystem   ColorSystem
	theme         ColorTheme
	terminalWidth int
}

// NewTable creates an empty table using the default style
func NewTable(colorSystem ColorSystem, theme ColorTheme) *Table {
	return &Table{
		alignments:    make(map[int]Alignment),
		colorizers:    make(map[int]ColumnColorizer),
		style:         DefaultTableStyle,
		colorSystem:   colorSystem,
		theme:         theme,
		terminalWidth: getTerminalWidth(),
	}
}

func (t *Table) SetHeaders(headers []string) { t.headers = headers }

func (t *Table) AddRow(row []string) { t.rows = append(t.rows, row) }

func (t *Table) SetStyle(style TableStyle) { t.style = style }

func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetColumnColorizer colors the cells of one column after padding
func (t *Table) SetColumnColorizer(column int, fn ColumnColorizer) {
	t.colorizers[column] = fn
}

// Render returns the formatted table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}

	widths := t.fitWidths(t.columnWidths())
	border := t.style.BorderStyle
	var b strings.Builder

	if border.Horizontal != "" {
		b.WriteString(t.rule(widths, border.TopLeft, border.TopTee, border.TopRight))
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		if t.style.HeaderSeparator && border.Horizontal != "" {
			b.WriteString(t.rule(widths, border.LeftTee, border.Cross, border.RightTee))
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	if border.Horizontal != "" {
		b.WriteString(t.rule(widths, border.BottomLeft, border.BottomTee, border.BottomRight))
	}
	return b.String()
}

// RenderTo renders the table to the specified writer
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

// columnWidths returns content widths without padding
func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	measure := func(row []string) {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

// fitWidths shrinks the widest columns until the table fits MaxWidth
func (t *Table) fitWidths(widths []int) []int {
	maxWidth := t.style.MaxWidth
	if maxWidth == 0 {
		maxWidth = t.terminalWidth
	}
	if maxWidth <= 0 || len(widths) == 0 {
		return widths
	}

	overhead := len(widths) * t.style.Padding * 2
	if t.style.BorderStyle.Vertical != "" {
		overhead += len(widths) + 1
	}

	const minWidth = 4
	for {
		total := overhead
		widest := 0
		for i, w := range widths {
			total += w
			if w > widths[widest] {
				widest = i
			}
		}
		if total <= maxWidth || widths[widest] <= minWidth {
			return widths
		}
		widths[widest]--
	}
}

func (t *Table) rule(widths []int, left, mid, right string) string {
	h := t.style.BorderStyle.Horizontal
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat(h, w+t.style.Padding*2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, isHeader bool) string {
	v := t.style.BorderStyle.Vertical
	var b strings.Builder
	b.WriteString(v)
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(t.formatCell(i, cell, width, isHeader))
		if v != "" {
			b.WriteString(v)
		} else if i < len(widths)-1 {
			b.WriteString(" ")
		}
	}
	return strings.TrimRight(b.String(), " ") + "\n"
}

// formatCell truncates, aligns and then colors a single cell
func (t *Table) formatCell(column int, content string, width int, isHeader bool) string {
	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	gap := width - utf8.RuneCountInString(content)
	var left, right int
	switch t.alignments[column] {
	case AlignCenter:
		left = gap / 2
		right = gap - left
	case AlignRight:
		left = gap
	default:
		right = gap
	}

	value := content
	if t.colorSystem != nil && t.colorSystem.IsColorSupported() {
		if isHeader {
			content = t.colorSystem.Colorize(content, t.theme.Primary)
		} else if fn, ok := t.colorizers[column]; ok {
			if clr, apply := fn(value); apply {
				content = t.colorSystem.Colorize(content, clr)
			}
		}
	}

	pad := strings.Repeat(" ", t.style.Padding)
	return pad + strings.Repeat(" ", left) + content + strings.Repeat(" ", right) + pad
}

// getTerminalWidth returns the current terminal width
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
