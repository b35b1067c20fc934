package outbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/senders"
)

// BenchmarkExecute_Batch measures one run over a batch of items with a no-op
// sender, i.e. the executor's own bookkeeping without real I/O.
func BenchmarkExecute_Batch(b *testing.B) {
	reg := senders.NewRegistry(&funcSender{kind: "webhook"})
	readiness := activeSession()
	ctx := context.Background()

	items := make([]*domain.OutboxItem, 50)
	for i := range items {
		items[i] = item(fmt.Sprintf("item-%d", i), "webhook")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		repo := newMockRepo(items...)
		e := newTestExecutor(repo, reg, readiness)
		b.StartTimer()

		if res := e.Execute(ctx); !res.AllQueuedItemsSucceeded {
			b.Fatal("expected every item to be sent")
		}
	}
}

// BenchmarkExecute_Parallel measures concurrent runs contending for the same
// items through the in-flight claim set.
func BenchmarkExecute_Parallel(b *testing.B) {
	reg := senders.NewRegistry(&funcSender{kind: "webhook"})
	readiness := activeSession()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			repo := newMockRepo(item("a", "webhook"), item("b", "webhook"))
			_ = newTestExecutor(repo, reg, readiness).Execute(ctx)
		}
	})
}
