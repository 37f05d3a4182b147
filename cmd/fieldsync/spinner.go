package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	spinnerFrameWidth = 2 // braille frames render about two columns
	spinnerAnimDelay  = 80 * time.Millisecond
	spinnerClearPad   = 5
)

// spinner animates a message on a terminal until stopped. The message can
// be replaced while it runs.
type spinner struct {
	frames []string
	w      io.Writer

	mu      sync.Mutex
	message string
	width   int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSpinner(w io.Writer, message string) *spinner {
	return &spinner{
		frames:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		w:       w,
		message: message,
		width:   len(message),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *spinner) Start() {
	if !isTTY() {
		fmt.Fprintf(s.w, "%s...\n", s.message)
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		ticker := time.NewTicker(spinnerAnimDelay)
		defer ticker.Stop()
		for i := 0; ; i++ {
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			fmt.Fprintf(s.w, "\r%s %s", style.Render(s.frames[i%len(s.frames)]), msg)

			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// SetMessage replaces the message shown next to the spinner.
func (s *spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	if len(message) > s.width {
		s.width = len(message)
	}
}

func (s *spinner) Stop() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		if isTTY() {
			s.mu.Lock()
			width := s.width
			s.mu.Unlock()
			fmt.Fprint(s.w, "\r"+strings.Repeat(" ", spinnerFrameWidth+1+width+spinnerClearPad)+"\r")
		}
	})
}
