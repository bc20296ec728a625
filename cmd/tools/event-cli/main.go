package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/zonesync/internal/eventbus"
)

const (
	defaultNATSURL = "nats://127.0.0.1:4222"
	timeFormat     = "15:04:05"
)

func main() {
	var (
		natsURL    = flag.String("nats", defaultNATSURL, "NATS server URL")
		stream     = flag.String("stream", "ZONESYNC_EVENTS", "JetStream stream name")
		prefix     = flag.String("prefix", "zonesync", "Subject prefix")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Source peers filter (comma-separated)")
		limit      = flag.Int("limit", 0, "Stop after N events (0 = follow)")
		window     = flag.Duration("for", 30*time.Second, "Stats collection window")
	)
	flag.Parse()

	if *command == "types" {
		showTypes(os.Stdout)
		return
	}

	bus, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{
		URL:    *natsURL,
		Stream: *stream,
		Prefix: *prefix,
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect to event stream: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter := eventbus.Filter{Types: parseStringList(*eventTypes), Sources: parseStringList(*sources)}

	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, filter, *limit); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}
	case "stats":
		if err := showStats(ctx, bus, filter, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
}

// tailEvents выводит новые события, пока не набран limit или не пришёл сигнал
func tailEvents(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, limit int) error {
	fmt.Printf("🎬 Tailing zone events (limit: %d)\n", limit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		count int
	)
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if limit > 0 && count >= limit {
			return
		}
		printEvent(os.Stdout, ev)
		count++
		if limit > 0 && count >= limit {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	mu.Lock()
	fmt.Printf("\n📊 Total events: %d\n", count)
	mu.Unlock()
	return nil
}

// showStats считает события по типам в течение окна
func showStats(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, window time.Duration) error {
	fmt.Printf("📊 Collecting event statistics for %s\n", window)

	var mu sync.Mutex
	counts := make(map[string]int)
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		counts[ev.EventType]++
		mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}

	mu.Lock()
	defer mu.Unlock()
	printStats(os.Stdout, counts)
	return nil
}

func showTypes(w io.Writer) {
	fmt.Fprintln(w, "📋 Zone store event types:")
	for _, t := range eventbus.EventTypes {
		fmt.Fprintf(w, "  %s\n", t)
	}
}

func printStats(w io.Writer, counts map[string]int) {
	types := make([]string, 0, len(counts))
	total := 0
	for t, n := range counts {
		types = append(types, t)
		total += n
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-22s %d\n", t, counts[t])
	}
	fmt.Fprintf(w, "  %-22s %d\n", "total", total)
}

// printEvent выводит событие в читаемом формате
func printEvent(w io.Writer, ev *eventbus.Envelope) {
	fmt.Fprintf(w, "[%s] %s [%s] %s\n",
		ev.Timestamp.Local().Format(timeFormat),
		ev.Source,
		ev.EventType,
		ev.ID)

	fmt.Fprintf(w, "  %s\n", eventbus.Describe(ev))
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
