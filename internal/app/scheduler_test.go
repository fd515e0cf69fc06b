package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type sweeperStub struct {
	calls   int
	expired int
	err     error
}

func (s *sweeperStub) SweepExpiredReservations(ctx context.Context) (int, error) {
	s.calls++
	return s.expired, s.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpireReservations_RunsSweep(t *testing.T) {
	sweeper := &sweeperStub{expired: 3}
	jobs := NewJobs(sweeper, newTestLogger())

	jobs.ExpireReservations()

	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
}

func TestExpireReservations_SwallowsErrors(t *testing.T) {
	sweeper := &sweeperStub{err: errors.New("db down")}
	jobs := NewJobs(sweeper, newTestLogger())

	jobs.ExpireReservations()

	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&sweeperStub{}, newTestLogger()), newTestLogger(), "not a schedule")
	if err := scheduler.Start(); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&sweeperStub{}, newTestLogger()), newTestLogger(), "")
	if err := scheduler.Start(); err != nil {
		t.Fatalf("expected default schedule to register, got %v", err)
	}
	<-scheduler.Stop().Done()
}
