package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner prints a one-line spinner while a blocking step runs, e.g.
// connecting to the relay before the room view starts.
type Spinner struct {
	message  string
	frames   spinner.Spinner
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// NewConnectionSpinner creates a spinner for network operations (Globe style)
func NewConnectionSpinner(message string) *Spinner {
	return newSpinner(message, spinner.Globe)
}

func newSpinner(message string, frames spinner.Spinner) *Spinner {
	return &Spinner{
		message:  message,
		frames:   frames,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *Spinner) Start() {
	go func() {
		defer close(s.finished)
		ticker := time.NewTicker(s.frames.FPS)
		defer ticker.Stop()

		for i := 0; ; i++ {
			frame := SpinnerStyle.Render(s.frames.Frames[i%len(s.frames.Frames)])
			fmt.Printf("\r%s %s", frame, s.message)

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the spinner and clears its line.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.finished
		fmt.Print("\r\033[K")
	})
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

// RunStep shows a spinner while fn runs and prints success when it worked.
// Errors are returned for the caller to report.
func RunStep(message, success string, fn func() error) error {
	sp := NewConnectionSpinner(message)
	sp.Start()
	if err := fn(); err != nil {
		sp.Stop()
		return err
	}
	sp.Success(success)
	return nil
}
