package display

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Printer writes command output in the configured format
type Printer struct {
	config    *DisplayConfig
	colors    ColorSystem
	theme     ColorTheme
	writer    io.Writer
	errWriter io.Writer
	reader    *bufio.Reader
}

// NewPrinter creates a printer. A nil config uses DefaultDisplayConfig.
func NewPrinter(config *DisplayConfig) *Printer {
	if config == nil {
		config = DefaultDisplayConfig()
	}
	config.SetDefaults()

	theme := GetThemeByName(config.Theme)
	var colors ColorSystem
	if config.IsColorEnabled() {
		colors = NewColorSystem(theme)
	} else {
		colors = NewColorSystemWithSupport(theme, false)
	}

	return &Printer{
		config:    config,
		colors:    colors,
		theme:     theme,
		writer:    config.Writer,
		errWriter: config.ErrWriter,
	}
}

// WithColorSystem replaces the detected color system
func (p *Printer) WithColorSystem(colors ColorSystem) *Printer {
	p.colors = colors
	p.theme = colors.GetTheme()
	return p
}

func (p *Printer) Config() *DisplayConfig { return p.config }

func (p *Printer) Writer() io.Writer { return p.writer }

// Header prints a framed title
func (p *Printer) Header(title string) {
	if p.config.QuietMode || p.config.Format() != FormatTable {
		return
	}
	rule := strings.Repeat("=", len(title)+4)
	fmt.Fprintln(p.writer, p.colors.Colorize(fmt.Sprintf("%s\n  %s\n%s", rule, title, rule), p.theme.Primary))
}

func (p *Printer) Success(message string) {
	if p.config.QuietMode {
		return
	}
	p.status("SUCCESS", message, p.theme.Success)
}

func (p *Printer) Info(message string) {
	if p.config.QuietMode {
		return
	}
	p.status("INFO", message, p.theme.Info)
}

// Verbose prints only when verbose output is requested
func (p *Printer) Verbose(message string) {
	if !p.config.VerboseMode {
		return
	}
	p.status("DEBUG", message, p.theme.Muted)
}

func (p *Printer) Warning(message string) {
	p.status("WARNING", message, p.theme.Warning)
}

func (p *Printer) Error(message string) {
	p.status("ERROR", message, p.theme.Error)
}

// status keeps structured stdout clean by sending messages to stderr
func (p *Printer) status(level, message string, clr Color) {
	w := p.writer
	if p.config.Format().IsStructured() {
		w = p.errWriter
	}
	if p.config.Format() == FormatCompact {
		fmt.Fprintf(w, "%s\t%s\n", strings.ToLower(level), message)
		return
	}
	fmt.Fprintf(w, "%s %s\n", p.colors.Colorize("["+level+"]", clr), message)
}

// Emit writes v as JSON or YAML. Table and compact formats fall back to JSON.
func (p *Printer) Emit(v interface{}) error {
	switch p.config.Format() {
	case FormatYAML:
		enc := yaml.NewEncoder(p.writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		return nil
	}
}

// NewTable creates a table using the configured style and colors
func (p *Printer) NewTable() *Table {
	t := NewTable(p.colors, p.theme)
	t.SetStyle(p.config.GetTableStyle())
	return t
}

// KeyValues prints aligned "key: value" pairs in order
func (p *Printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		key := p.colors.Colorize(fmt.Sprintf("%-*s", width+1, kv[0]+":"), p.theme.Highlight)
		fmt.Fprintf(p.writer, "%s %s\n", key, kv[1])
	}
}

// StartSpinner starts a spinner when progress output is enabled
func (p *Printer) StartSpinner(message string) *Spinner {
	style := DefaultSpinnerStyles["line"]
	if p.colors.IsColorSupported() {
		style = DefaultSpinnerStyles["dots"]
	}
	s := newSpinner(message, style, p.errWriter, p.colors, p.theme, p.config.IsProgressEnabled())
	s.start()
	return s
}
