package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/internal/example"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

func BenchmarkThroughput(b *testing.B) {
	for _, deterministic := range []bool{false, true} {
		name := "completion-order"
		if deterministic {
			name = "production-order"
		}
		b.Run(name, func(b *testing.B) {
			b.Setenv(shmem.EnvDir, b.TempDir())
			info := types.Info{
				Count:         16,
				Shapes:        [][]int{{12, 284, 284, 3}},
				DType:         types.Uint8,
				Workers:       8,
				Deterministic: deterministic,
				Strategy:      types.DuplicateOnStart,
			}
			d := &example.TimesDispatcher{Times: []float64{1}}
			it, err := bufferpool.New(info, d, example.NewFillWorker(info, 0))
			require.NoError(b, err)
			defer it.Stop()

			ctx := context.Background()
			b.SetBytes(int64(info.SlotBytes(0)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, err := it.Next(ctx)
				require.NoError(b, err)
			}
			b.StopTimer()
		})
	}
}
