package keystate

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// ExitRestart is the distinguished exit code that asks the supervisor to
// re-exec the process (the SIGHUP path).
const ExitRestart = 9

// event drives the single-threaded reload loop.
type event int

const (
	eventReload event = iota
	eventRestart
	eventTerminate
)

// Coordinator owns the reload loop: a single goroutine that reacts to reload
// signals and expiry timers, so all snapshot swaps are serialized.
type Coordinator struct {
	service *Service
	events  chan event
	done    chan int
	log     *slog.Logger

	// lookahead refreshes keys this long before the earliest expiry.
	lookahead time.Duration
}

// NewCoordinator wires the reload loop for the given service.
func NewCoordinator(service *Service, lookahead time.Duration, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if lookahead <= 0 {
		lookahead = time.Hour
	}
	return &Coordinator{
		service:   service,
		events:    make(chan event, 4),
		done:      make(chan int, 1),
		lookahead: lookahead,
		log:       log,
	}
}

// TriggerReload requests a refresh of all exchanges.
func (c *Coordinator) TriggerReload() {
	select {
	case c.events <- eventReload:
	default:
	}
}

// Run processes signals and timers until terminate or restart, then reports
// the process exit code on Done. SIGUSR1 reloads, SIGHUP restarts, SIGINT and
// SIGTERM terminate.
func (c *Coordinator) Run(ctx context.Context) {
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	timer := time.NewTimer(c.timerInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.done <- 0
			return
		case sig := <-sigc:
			switch sig {
			case syscall.SIGUSR1:
				c.TriggerReload()
			case syscall.SIGHUP:
				c.log.Info("restart requested")
				c.done <- ExitRestart
				return
			default:
				c.log.Info("shutdown requested", "signal", sig.String())
				c.done <- 0
				return
			}
		case ev := <-c.events:
			switch ev {
			case eventReload:
				c.reload(ctx)
				timer.Reset(c.timerInterval())
			case eventRestart:
				c.done <- ExitRestart
				return
			case eventTerminate:
				c.done <- 0
				return
			}
		case <-timer.C:
			c.reload(ctx)
			timer.Reset(c.timerInterval())
		}
	}
}

// Done yields the exit code once the loop has stopped.
func (c *Coordinator) Done() <-chan int {
	return c.done
}

func (c *Coordinator) reload(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := c.service.RefreshAll(rctx); err != nil {
		c.log.Warn("key reload failed", "err", err)
	}
}

// timerInterval arms the timer for the lookahead window before the earliest
// denomination expiry.
func (c *Coordinator) timerInterval() time.Duration {
	next := c.service.NextExpiry()
	if next.IsZero() {
		return c.lookahead
	}
	until := time.Until(next) - c.lookahead
	if until < time.Minute {
		return time.Minute
	}
	return until
}
