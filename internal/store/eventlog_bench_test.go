package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	_, el := newBenchStore(b)
	wfID := uuid.New().String()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.AppendEvent(ctx, &Event{
			WorkflowID: wfID,
			State:      "fetch",
			Type:       schema.EventLeaseAcquired,
			ExecutorID: "bench-exec",
		})
	}
}

func BenchmarkEventAppend_MultipleWorkflows(b *testing.B) {
	_, el := newBenchStore(b)
	ctx := context.Background()

	wfIDs := make([]string, 100)
	for i := range wfIDs {
		wfIDs[i] = uuid.New().String()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.AppendEvent(ctx, &Event{
			WorkflowID: wfIDs[i%len(wfIDs)],
			State:      "fetch",
			Type:       schema.EventLeaseAcquired,
			ExecutorID: "bench-exec",
		})
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			benchEventAppendConcurrent(b, writers)
		})
	}
}

func benchEventAppendConcurrent(b *testing.B, writers int) {
	_, el := newBenchStore(b)
	ctx := context.Background()

	// Each writer gets its own workflow to avoid sequence contention.
	wfIDs := make([]string, writers)
	for i := range wfIDs {
		wfIDs[i] = uuid.New().String()
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	perWriter := b.N / writers
	if perWriter == 0 {
		perWriter = 1
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(wfID string) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				el.AppendEvent(ctx, &Event{
					WorkflowID: wfID,
					State:      fmt.Sprintf("state%d", j%10),
					Type:       schema.EventLeaseAcquired,
					ExecutorID: "bench-exec",
				})
			}
		}(wfIDs[w])
	}
	wg.Wait()
}

func BenchmarkEventReplay(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			_, el := newBenchStore(b)
			wfID := uuid.New().String()
			ctx := context.Background()

			for i := 0; i < count; i++ {
				state := fmt.Sprintf("state%d", i%10)
				typ := schema.EventLeaseAcquired
				if i%2 == 1 {
					typ = schema.EventStateDone
				}
				el.AppendEvent(ctx, &Event{
					WorkflowID: wfID,
					State:      state,
					Type:       typ,
					ExecutorID: "bench-exec",
				})
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				el.ReplayEvents(ctx, wfID)
			}
		})
	}
}
