// Command gauged-demo wires an Engine over an in-memory store, writes a
// handful of measurements, and prints a couple of queries against them. It
// is a thin demonstration of the public API, not a CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nullstream/gauged/engine"
	"github.com/nullstream/gauged/gaugedconfig"
	"github.com/nullstream/gauged/querycontext"
	"github.com/nullstream/gauged/store/memstore"
	"github.com/nullstream/gauged/writer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gauged-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := gaugedconfig.Default()
	cfg.Resolution = 1_000
	cfg.BlockSize = 10_000

	st := memstore.New(0)
	eng, err := engine.Open(ctx, st, cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	const namespace = 1
	w, err := eng.NewWriter(ctx, namespace, "demo-writer", nil)
	if err != nil {
		return fmt.Errorf("new writer: %w", err)
	}

	writes := []struct {
		ts    int64
		value float64
	}{
		{10_000, 50}, {15_000, 150}, {20_000, 250}, {40_000, 350}, {60_000, 70},
	}
	for _, wr := range writes {
		if err := w.Add(ctx, writer.Measurement{Key: "foobar", Value: wr.value}, writer.WithTimestamp(wr.ts)); err != nil {
			return fmt.Errorf("add at %d: %w", wr.ts, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	qc, err := eng.NewContext(namespace)
	if err != nil {
		return fmt.Errorf("new context: %w", err)
	}

	sum, ok, err := qc.Aggregate(ctx, namespace, "foobar", 0, 70_000, querycontext.AggregateSum)
	if err != nil {
		return fmt.Errorf("sum: %w", err)
	}
	fmt.Printf("sum(foobar, 0..70s) = %v (ok=%v)\n", sum, ok)

	series, err := qc.AggregateSeries(ctx, namespace, "foobar", 10_000, 40_000, 10_000, querycontext.AggregateSum, true)
	if err != nil {
		return fmt.Errorf("aggregate_series: %w", err)
	}
	fmt.Print("aggregate_series(SUM, 10s..40s, 10s) = [")
	for i, p := range series {
		if i > 0 {
			fmt.Print(", ")
		}
		if p.HasValue {
			fmt.Printf("%v", p.Value)
		} else {
			fmt.Print("none")
		}
	}
	fmt.Println("]")

	return nil
}
