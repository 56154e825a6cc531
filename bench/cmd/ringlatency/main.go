// Package bench — ringlatency/main.go
//
// K-RING push/pop round-trip latency measurement tool.
//
// Measures the time from Ring.Push returning to the matching Ring.Pop
// returning the same frame, in-process, against a freshly created
// in-memory region — the same producer/consumer pair DISPATCH and
// U-INGEST drive in production, minus the process boundary: the region
// here is a plain byte slice rather than a file mapped by two processes
// (see internal/ring).
//
// Method:
//  1. Create an in-memory region of the configured data size.
//  2. Push a fixed-size payload, immediately pop it, record the elapsed
//     wall-clock time.
//  3. Repeat for the configured iteration count.
//  4. Write raw samples to a CSV file and print p50/p95/p99 from a
//     microsecond histogram.
//
// Output CSV columns:
//
//	iteration, latency_us, dropped
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/octoreflex/octoreflex/internal/ring"
)

func main() {
	iterations := flag.Int("iterations", 100000, "Number of push/pop round trips to measure")
	outputFile := flag.String("output", "ring_latency_raw.csv", "Output CSV file path")
	payloadSize := flag.Int("payload-size", 256, "Payload size in bytes for each push")
	dataSize := flag.Uint("data-size", 4<<20, "Ring data area size in bytes")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	region := make([]byte, ring.HeaderSize+uint32(*dataSize))
	r, err := ring.New(region, uint32(*dataSize))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ring.New: %v\n", err)
		os.Exit(1)
	}

	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "dropped"})

	var (
		totalDropped int
		histBuckets  [10001]int // 0-10000us
	)

	for i := 0; i < *iterations; i++ {
		droppedBefore := r.Dropped()

		start := time.Now()
		r.Push(payload)
		_, ok := r.Pop()
		latency := time.Since(start)

		dropped := r.Dropped() != droppedBefore || !ok
		if dropped {
			totalDropped++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(histBuckets) {
			histBuckets[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.FormatBool(dropped),
		})
	}

	p50, p95, p99 := computePercentiles(histBuckets[:], *iterations)

	fmt.Printf("Ring Push/Pop Latency Results (%d iterations, %d byte payload)\n", *iterations, *payloadSize)
	fmt.Printf("  Dropped: %d/%d (%.2f%%)\n", totalDropped, *iterations,
		float64(totalDropped)/float64(*iterations)*100)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
