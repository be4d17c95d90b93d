package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/example"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

func main() {
	bufferpool.Init()

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <ordered|unordered> [fork|spawn]")
		os.Exit(1)
	}

	mode := os.Args[1]
	if mode != "ordered" && mode != "unordered" {
		log.Fatalf("Unknown mode %q", mode)
	}
	strategy := types.FreshStart
	if len(os.Args) > 2 {
		s, err := types.ParseStrategy(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid strategy: %v", err)
		}
		strategy = s
	}

	info := types.Info{
		Count:         24,
		Shapes:        [][]int{{12, 284, 284, 3}},
		DType:         types.Uint8,
		Workers:       6,
		Deterministic: mode == "ordered",
		Strategy:      strategy,
	}
	d := &example.TimesDispatcher{Times: example.DefaultTimes}
	w := example.NewFillWorker(info, 100*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := bufferpool.With(info, d, w, func(it *bufferpool.Iterator) error {
		fmt.Printf("✓ Pool %s started (mode: %s, strategy: %s)\n", it.Name(), mode, info.Strategy)
		fmt.Printf("  Dispatched times: %v\n\n", d.Times)

		start := time.Now()
		for i := 0; i < 2*len(d.Times); i++ {
			item, err := it.Next(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("  [%6.2fs] item %2d: slot %2d value %v\n",
				time.Since(start).Seconds(), i, item.Slot, item.Data[0].Float64(0))
		}

		stats, err := it.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("\n📊 Final Status:\n")
		for _, s := range types.AllStates() {
			fmt.Printf("  %-10s %d\n", s, stats.Slots.Counts[s])
		}
		return nil
	}, bufferpool.WithShutdown(time.Second, 2*time.Second))

	if err != nil && ctx.Err() == nil {
		log.Fatalf("Demo failed: %v", err)
	}
	fmt.Println("✓ Pool stopped")
}
