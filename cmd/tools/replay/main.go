package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"odte/internal/feed"
	"odte/internal/schema"
)

type instrumentStats struct {
	events int
	volume float64
	first  int64
	last   int64
	low    float64
	high   float64
}

func main() {
	input := flag.String("input", "testdata/feed.jsonl", "JSONL feed")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	tz := flag.String("tz", "America/New_York", "Session timezone")
	printEvents := flag.Bool("print", false, "Print every event")
	flag.Parse()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("load timezone failed: %v", err)
	}
	playback, err := feed.NewPlayback(feed.PlaybackConfig{Speed: *speed})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}
	in, err := os.Open(*input)
	if err != nil {
		log.Fatalf("open input failed: %v", err)
	}
	defer in.Close()

	var (
		index    int
		sessions = map[string]map[string]*instrumentStats{}
	)
	stats, err := playback.Run(context.Background(), in, func(ev schema.MarketEvent) error {
		index++
		if *printEvents {
			fmt.Printf("%06d ts=%d instrument=%s side=%s price=%.4f size=%.2f imbalance=%.3f\n",
				index, ev.Timestamp, ev.InstrumentID, ev.Side, ev.Price, ev.Size, ev.BookImbalance)
		}
		day := schema.TimeOf(ev.Timestamp).In(loc).Format(time.DateOnly)
		byInstrument, ok := sessions[day]
		if !ok {
			byInstrument = map[string]*instrumentStats{}
			sessions[day] = byInstrument
		}
		st, ok := byInstrument[ev.InstrumentID]
		if !ok {
			st = &instrumentStats{first: ev.Timestamp, low: ev.Price, high: ev.Price}
			byInstrument[ev.InstrumentID] = st
		}
		st.events++
		st.volume += ev.Size
		st.last = ev.Timestamp
		st.low = min(st.low, ev.Price)
		st.high = max(st.high, ev.Price)
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}

	days := make([]string, 0, len(sessions))
	for day := range sessions {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		names := make([]string, 0, len(sessions[day]))
		for name := range sessions[day] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := sessions[day][name]
			span := time.Duration(st.last-st.first) * time.Microsecond
			fmt.Printf("%s %s events=%d volume=%.0f low=%.4f high=%.4f span=%s\n",
				day, name, st.events, st.volume, st.low, st.high, span)
		}
	}
	fmt.Printf("events=%d invalid=%d sessions=%d\n", stats.Events, stats.Invalid, len(days))
}
