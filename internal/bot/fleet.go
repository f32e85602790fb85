package bot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/pkg/errors"
)

// Fleet runs many bots, each on its own goroutine with its own broker
// connection. Bots are isolated: one bot failing or panicking never stops
// the others.
type Fleet struct {
	log  *logger.Logger
	bots []*Bot

	mu       sync.Mutex
	failures map[string]error
}

// NewFleet creates an empty fleet.
func NewFleet(log *logger.Logger) *Fleet {
	return &Fleet{
		log:      log.Named("fleet"),
		failures: make(map[string]error),
	}
}

// Add registers a bot. Names must be unique within the fleet.
func (f *Fleet) Add(bot *Bot) error {
	for _, existing := range f.bots {
		if existing.Name() == bot.Name() {
			return errors.Newf(errors.ErrCodeDuplicateBot, "bot %q already in fleet", bot.Name())
		}
	}

	f.bots = append(f.bots, bot)

	return nil
}

// Size returns the number of registered bots.
func (f *Fleet) Size() int {
	return len(f.bots)
}

// Failures returns the per-bot errors collected during the last Run.
func (f *Fleet) Failures() map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()

	failures := make(map[string]error, len(f.failures))
	for name, err := range f.failures {
		failures[name] = err
	}

	return failures
}

// Run starts every bot and blocks until all of them have returned. The error
// summarizes how many bots failed; per-bot detail is in Failures.
func (f *Fleet) Run(ctx context.Context) error {
	if len(f.bots) == 0 {
		return errors.New(errors.ErrCodeNoBotsConfigured, "fleet has no bots")
	}

	var wg sync.WaitGroup

	for _, b := range f.bots {
		wg.Add(1)

		go func(b *Bot) {
			defer wg.Done()
			f.runOne(ctx, b)
		}(b)
	}

	wg.Wait()

	f.mu.Lock()
	failed := len(f.failures)
	f.mu.Unlock()

	if failed > 0 {
		return errors.Newf(errors.ErrCodeBotStartFailed, "%d of %d bots failed", failed, len(f.bots))
	}

	return nil
}

// runOne executes a single bot, converting panics into recorded failures.
func (f *Fleet) runOne(ctx context.Context, b *Bot) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf(errors.ErrCodeBotPanicked, "bot %s panicked: %v", b.Name(), r)
			f.log.Error("bot panicked",
				zap.String("bot", b.Name()),
				zap.String("panic", fmt.Sprintf("%v", r)),
			)
			f.recordFailure(b.Name(), err)
		}
	}()

	if err := b.Run(ctx); err != nil {
		f.log.Error("bot exited with error",
			zap.String("bot", b.Name()),
			zap.Error(err),
		)
		f.recordFailure(b.Name(), err)
	}
}

func (f *Fleet) recordFailure(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[name] = err
}
