package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"odte/internal/feed"
	"odte/internal/schema"
)

// paper writes a seeded synthetic tape for paper runs: a random walk per
// instrument with occasional block prints and quote updates.
func main() {
	output := flag.String("output", "testdata/feed.jsonl", "Output JSONL feed")
	instruments := flag.String("instruments", "SPX", "Comma separated instruments")
	day := flag.String("day", "2024-03-05", "Session day (YYYY-MM-DD)")
	days := flag.Int("days", 1, "Number of consecutive session days")
	tz := flag.String("tz", "America/New_York", "Session timezone")
	start := flag.String("start", "09:31", "First event time of day")
	duration := flag.Duration("duration", 6*time.Hour, "Tape length per day")
	interval := flag.Duration("interval", 250*time.Millisecond, "Mean gap between events")
	price := flag.Float64("price", 2.00, "Opening option price")
	vol := flag.Float64("vol", 0.002, "Per-event return standard deviation")
	blockEvery := flag.Int("block-every", 400, "Mean events between block prints (0=none)")
	seed := flag.Int64("seed", 1, "RNG seed")
	flag.Parse()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("load timezone failed: %v", err)
	}
	first, err := time.ParseInLocation(time.DateOnly+" 15:04", *day+" "+*start, loc)
	if err != nil {
		log.Fatalf("parse day/start failed: %v", err)
	}
	if *interval <= 0 || *duration <= 0 || *days <= 0 {
		log.Fatalf("interval, duration and days must be > 0")
	}

	out, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output failed: %v", err)
	}
	writer := feed.NewWriter(out)
	rng := rand.New(rand.NewSource(*seed))
	names := strings.Split(*instruments, ",")

	var written int
	for d := 0; d < *days; d++ {
		open := first.AddDate(0, 0, d)
		prices := make([]float64, len(names))
		clocks := make([]time.Time, len(names))
		for i := range names {
			prices[i] = *price
			clocks[i] = open
		}
		end := open.Add(*duration)
		for {
			// next event goes to the instrument with the earliest clock
			i := 0
			for j := range clocks {
				if clocks[j].Before(clocks[i]) {
					i = j
				}
			}
			if !clocks[i].Before(end) {
				break
			}
			ev := nextEvent(rng, names[i], clocks[i], &prices[i], *vol, *blockEvery)
			if err := writer.Write(ev); err != nil {
				log.Fatalf("write failed: %v", err)
			}
			written++
			gap := time.Duration(rng.ExpFloat64() * float64(*interval))
			clocks[i] = clocks[i].Add(max(gap, time.Microsecond))
		}
	}
	if err := writer.Flush(); err != nil {
		log.Fatalf("flush failed: %v", err)
	}
	if err := out.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
	log.Printf("paper tape completed: events=%d instruments=%d days=%d", written, len(names), *days)
}

func nextEvent(rng *rand.Rand, name string, at time.Time, price *float64, vol float64, blockEvery int) schema.MarketEvent {
	*price = math.Max(0.05, *price*math.Exp(rng.NormFloat64()*vol))
	*price = math.Round(*price*100) / 100
	ev := schema.MarketEvent{
		InstrumentID:  name,
		Timestamp:     at.UnixMicro(),
		Price:         *price,
		Size:          float64(1 + rng.Intn(20)),
		Side:          schema.SideTrade,
		BookImbalance: math.Max(-1, math.Min(1, rng.NormFloat64()*0.3)),
	}
	switch {
	case blockEvery > 0 && rng.Intn(blockEvery) == 0:
		ev.Size = float64(500 + rng.Intn(1500))
	case rng.Intn(4) == 0:
		ev.Side = schema.SideBid
		if rng.Intn(2) == 0 {
			ev.Side = schema.SideAsk
		}
		ev.Size = float64(10 + rng.Intn(200))
	}
	return ev
}
