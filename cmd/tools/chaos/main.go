package main

import (
	"context"
	"flag"
	"log"
	"os"

	"odte/internal/bus"
	"odte/internal/chaos"
	"odte/internal/feed"
	"odte/internal/schema"
)

func main() {
	input := flag.String("input", "testdata/feed.jsonl", "Input JSONL feed")
	output := flag.String("output", "testdata/feed_chaos.jsonl", "Output JSONL feed")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	flag.Parse()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}
	playback, err := feed.NewPlayback(feed.PlaybackConfig{})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	in, err := os.Open(*input)
	if err != nil {
		log.Fatalf("open input failed: %v", err)
	}
	defer in.Close()
	out, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output failed: %v", err)
	}
	writer := feed.NewWriter(out)

	var (
		seq     uint64
		written int
	)
	write := func(msgs []bus.Message) error {
		for _, m := range msgs {
			if err := writer.Write(m.Market); err != nil {
				return err
			}
			written++
		}
		return nil
	}
	stats, err := playback.Run(context.Background(), in, func(ev schema.MarketEvent) error {
		seq++
		return write(engine.Process(bus.MarketMessage(seq, ev)))
	})
	if err == nil {
		err = write(engine.Flush())
	}
	if err != nil {
		log.Fatalf("chaos run failed: %v", err)
	}
	if err := writer.Flush(); err != nil {
		log.Fatalf("flush output failed: %v", err)
	}
	if err := out.Close(); err != nil {
		log.Fatalf("close output failed: %v", err)
	}
	log.Printf("read %d events (%d invalid), wrote %d", stats.Events, stats.Invalid, written)
}
