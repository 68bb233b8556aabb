// Package spinning shows a spinner with a label while a long computation (evaluation, batch
// assembling) runs, and handles interrupts gracefully.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme used by New.
	Theme = ThemeAscii

	// Interval between spinner frames.
	Interval = 250 * time.Millisecond
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt, so training can stop
// at the end of the current step. If the program hasn't exited after gracePeriod, it resets the
// terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Interrupted (signal %q), stopping training... (%s grace period)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Grace period of %s expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// Spinner displays a label followed by a spinning symbol, until Done is called.
type Spinner struct {
	wg     sync.WaitGroup
	cancel func()
	start  time.Time
}

// New starts a spinner with the given label on stdout, running on a separate goroutine.
// If stdout is not a terminal only the label is printed.
func New(ctx context.Context, label string) *Spinner {
	return newOn(ctx, os.Stdout, label, term.IsTerminal(int(os.Stdout.Fd())))
}

func newOn(ctx context.Context, w io.Writer, label string, animate bool) *Spinner {
	s := &Spinner{start: time.Now()}
	ctx, s.cancel = context.WithCancel(ctx)
	_, _ = fmt.Fprintf(w, "%s ", label)
	if !animate {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-ctx.Done()
			_, _ = fmt.Fprintln(w)
		}()
		return s
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		// Hide the cursor while spinning.
		_, _ = fmt.Fprint(w, "\033[?25l")
		defer func() { _, _ = fmt.Fprint(w, "\033[?25h") }()
		for frame := 0; ; frame++ {
			_, _ = fmt.Fprintf(w, "%c\b", Theme[frame%len(Theme)])
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprintln(w, " ")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and returns for how long it was running.
func (s *Spinner) Done() time.Duration {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	return time.Since(s.start)
}
