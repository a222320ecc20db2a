package display

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner animates a single status line until stopped
type Spinner struct {
	message  string
	style    SpinnerStyle
	writer   io.Writer
	colorSys ColorSystem
	theme    ColorTheme
	enabled  bool

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
	doneCh chan struct{}
}

func newSpinner(message string, style SpinnerStyle, writer io.Writer, colorSys ColorSystem, theme ColorTheme, enabled bool) *Spinner {
	return &Spinner{
		message:  message,
		style:    style,
		writer:   writer,
		colorSys: colorSys,
		theme:    theme,
		enabled:  enabled,
	}
}

// IsActive returns whether the spinner is currently running
func (s *Spinner) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Spinner) start() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.animate()
}

// Update changes the spinner's message
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop ends the animation and prints finalMessage if it is not empty
func (s *Spinner) Stop(finalMessage string) {
	s.mu.Lock()
	wasActive := s.active
	if wasActive {
		s.active = false
		close(s.stopCh)
	}
	s.mu.Unlock()

	if wasActive {
		<-s.doneCh
		s.clearLine()
	}
	if finalMessage != "" {
		fmt.Fprintln(s.writer, finalMessage)
	}
}

func (s *Spinner) animate() {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Duration(s.style.Delay) * time.Millisecond)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			message := s.message
			s.mu.Unlock()

			glyph := s.style.Frames[frame%len(s.style.Frames)]
			if s.colorSys != nil && s.colorSys.IsColorSupported() {
				glyph = s.colorSys.Colorize(glyph, s.theme.Primary)
			}
			s.clearLine()
			fmt.Fprintf(s.writer, "%s %s", glyph, message)
		}
	}
}

func (s *Spinner) clearLine() {
	fmt.Fprint(s.writer, "\r\033[K")
}
