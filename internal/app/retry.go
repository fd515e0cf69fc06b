package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/movefund/release-service/internal/store"
)

const maxBackoffShift = 16

// backoffDelay returns a full-jitter delay in [0, base*2^attempt).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	ceiling := base << attempt
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// runTx runs fn in a transaction, retrying only on store.ErrTransactionConflict.
// fn must reset anything it captures, since a retry runs it from scratch.
func (s *Service) runTx(ctx context.Context, op string, fn store.TxFunc) error {
	attempts := s.opts.MaxTxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.repo.RunInTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrTransactionConflict) {
			return err
		}
		if attempt+1 == attempts {
			break
		}
		log.Printf("level=warn component=tx msg=\"transaction conflict; retrying\" op=%s attempt=%d err=%v", op, attempt+1, err)
		if sleepErr := s.sleep(ctx, backoffDelay(s.opts.RetryBaseDelay, attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	log.Printf("level=error component=tx msg=\"transaction conflict retries exhausted\" op=%s attempts=%d err=%v", op, attempts, err)
	return fmt.Errorf("%s: %d attempts: %w", op, attempts, err)
}
