package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/spiral-run/spiral/internal/domain"
)

func TestSequentialSpawnRunsImmediately(t *testing.T) {
	s := New(domain.SchedulerSequential, 0)
	ran := false
	task := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) {
		ran = true
		return domain.Int(7), nil
	})
	if !ran {
		t.Fatal("sequential spawn should run its thunk before returning")
	}
	status, v, err := task.Snapshot()
	if status != StatusDone || err != nil || v.I != 7 {
		t.Fatalf("unexpected task state: %v %+v %v", status, v, err)
	}
}

func TestBreadthFirstSpawnRunsConcurrently(t *testing.T) {
	s := New(domain.SchedulerBreadthFirst, 0)
	release := make(chan struct{})
	task := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) {
		<-release
		return domain.Int(1), nil
	})
	status, _, _ := task.Snapshot()
	if status != StatusPending {
		t.Fatal("expected task still pending while blocked")
	}
	close(release)

	v, err, timedOut := s.Await(context.Background(), task, -1)
	if err != nil || timedOut || v.I != 1 {
		t.Fatalf("unexpected await result: %+v %v %v", v, err, timedOut)
	}
}

func TestAwaitTimeout(t *testing.T) {
	s := New(domain.SchedulerBreadthFirst, 0)
	task := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) {
		time.Sleep(200 * time.Millisecond)
		return domain.Int(1), nil
	})
	_, _, timedOut := s.Await(context.Background(), task, 20)
	if !timedOut {
		t.Fatal("expected await to time out before task completes")
	}
}

func TestAwaitPropagatesTaskError(t *testing.T) {
	s := New(domain.SchedulerSequential, 0)
	failure := domain.NewFault(domain.ErrDomainError, "boom", nil)
	task := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) {
		return domain.Void, failure
	})
	_, err, timedOut := s.Await(context.Background(), task, -1)
	if timedOut || err != failure {
		t.Fatalf("expected task error propagated, got %v %v", err, timedOut)
	}
}

func TestCancelResolvesPendingAwaits(t *testing.T) {
	s := New(domain.SchedulerBreadthFirst, 0)
	task := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) {
		<-ctx.Done()
		return domain.Void, ctx.Err()
	})

	done := make(chan struct{})
	var awaitErr error
	go func() {
		_, awaitErr, _ = s.Await(context.Background(), task, -1)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancelErr := domain.NewFault(domain.ErrValidationError, "scheduler canceled", nil)
	s.Cancel(cancelErr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock pending await")
	}
	if awaitErr != cancelErr {
		t.Fatalf("expected cancel error, got %v", awaitErr)
	}
}

func TestCheckGlobalStepsNonTermination(t *testing.T) {
	s := New(domain.SchedulerSequential, 3)
	for i := 0; i < 3; i++ {
		if err := s.CheckGlobalSteps(); err != nil {
			t.Fatalf("unexpected early non-termination at step %d: %v", i, err)
		}
	}
	if err := s.CheckGlobalSteps(); err == nil {
		t.Fatal("expected non-termination error after exceeding maxSteps")
	}
}

func TestSpawnOrderIncrements(t *testing.T) {
	s := New(domain.SchedulerSequential, 0)
	t1 := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) { return domain.Void, nil })
	t2 := s.Spawn(context.Background(), func(ctx context.Context) (domain.Value, error) { return domain.Void, nil })
	if t1.SpawnOrder != 0 || t2.SpawnOrder != 1 {
		t.Fatalf("expected spawn order 0,1, got %d,%d", t1.SpawnOrder, t2.SpawnOrder)
	}
}
