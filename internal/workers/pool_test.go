package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "test", NumWorkers: 4, QueueSize: 8})
	pool.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		err := pool.Submit(TaskFunc(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Close()

	if got := ran.Load(); got != 20 {
		t.Fatalf("tasks ran = %d, want 20", got)
	}
	if st := pool.Stats(); st.Completed != 20 || st.Failed != 0 {
		t.Fatalf("stats = %+v, want 20 completed 0 failed", st)
	}
}

func TestPanickingTaskIsCountedNotFatal(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "test", NumWorkers: 1, QueueSize: 4})
	pool.Start(context.Background())

	pool.Submit(TaskFunc(func(context.Context) error { panic("boom") }))
	pool.Submit(TaskFunc(func(context.Context) error { return nil }))
	pool.Close()

	st := pool.Stats()
	if st.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", st.Recovered)
	}
	if st.Completed != 1 {
		t.Fatalf("completed = %d, want 1 (worker survived the panic)", st.Completed)
	}
}

func TestFailedTasksCounted(t *testing.T) {
	pool := New(zap.NewNop(), Config{Name: "test", NumWorkers: 2, QueueSize: 4})
	pool.Start(context.Background())

	pool.Submit(TaskFunc(func(context.Context) error { return errors.New("bad input") }))
	pool.Submit(TaskFunc(func(context.Context) error { return nil }))
	pool.Close()

	st := pool.Stats()
	if st.Failed != 1 || st.Completed != 1 {
		t.Fatalf("stats = %+v, want 1 failed 1 completed", st)
	}
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	pool := New(zap.NewNop(), DefaultConfig("test"))
	pool.Start(context.Background())
	pool.Close()

	if err := pool.Submit(TaskFunc(func(context.Context) error { return nil })); err != ErrPoolClosed {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}
