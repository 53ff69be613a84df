// spinner.go draws the spinner shown while a run phase is in progress.
package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []rune{'|', '/', '-', '\\'}

// StartSpinner prints a lightweight ASCII spinner until the returned stop
// function is called. Stop prints "[done]" or "[fail]" depending on the
// success flag and waits for the drawing goroutine to exit, so the caller may
// write to w right after.
func StartSpinner(w io.Writer, message string) func(success bool) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()
		idx := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s %c", message, spinnerFrames[idx])
				idx = (idx + 1) % len(spinnerFrames)
			}
		}
	}()
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			close(done)
			<-exited
			status := "[done]"
			if !success {
				status = "[fail]"
			}
			fmt.Fprintf(w, "\r%s %s\n", message, status)
		})
	}
}
