// Package main — cmd/kdispatch-sim/main.go
//
// kdispatch-sim stands in for the kernel-side notification callback that a
// real sensor driver would invoke synchronously on process-create: it opens
// (or creates) a K-RING shared-memory region and pushes synthetic
// ProcessEvent frames into it on a timer, exercising the exact DISPATCH
// encode path the consumer agent decodes from.
//
// Usage:
//
//	kdispatch-sim -region /tmp/octoreflex-ring -data-size 1048576 \
//	    -guid SENSOR-SIM-1 -rate 200ms -count 0
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/dispatch"
	"github.com/octoreflex/octoreflex/internal/ring"
)

var sampleImages = []string{
	`C:\Windows\System32\cmd.exe`,
	`C:\Windows\System32\powershell.exe`,
	`C:\Program Files\Git\bin\bash.exe`,
	`C:\Windows\explorer.exe`,
	`C:\Windows\System32\svchost.exe`,
}

func main() {
	regionPath := flag.String("region", "/tmp/octoreflex-ring", "Path to the shared K-RING backing file")
	dataSize := flag.Uint("data-size", 1<<20, "Ring data area size in bytes (must match or exceed the consumer's expectation)")
	create := flag.Bool("create", true, "Create the region if it does not already exist (false: attach to an existing region only)")
	guid := flag.String("guid", "", "Sensor GUID to stamp on every emitted event (required)")
	rate := flag.Duration("rate", 200*time.Millisecond, "Interval between synthetic process-create events")
	count := flag.Int("count", 0, "Number of events to emit, 0 = run until signaled")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for synthetic PID/image selection")
	logLevel := flag.String("log-level", "info", "zap log level")
	flag.Parse()

	if *guid == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -guid is required — DISPATCH never falls back to a compiled-in sensor id")
		os.Exit(1)
	}

	log, err := buildLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	region, r, err := openOrCreateRing(*regionPath, uint32(*dataSize), *create)
	if err != nil {
		log.Fatal("failed to attach K-RING region", zap.Error(err), zap.String("path", *regionPath))
	}
	defer region.Close() //nolint:errcheck

	log.Info("kdispatch-sim attached to ring",
		zap.String("path", *regionPath),
		zap.Uint32("data_size", r.DataSize()),
		zap.String("sensor_guid", *guid),
		zap.Duration("rate", *rate),
	)

	enc := dispatch.NewEncoder(r, *guid)
	rng := rand.New(rand.NewSource(*seed))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	emitted := 0
	nextPID := uint32(1000)
	for {
		select {
		case sig := <-sigCh:
			log.Info("signal received, stopping", zap.String("signal", sig.String()), zap.Int("emitted", emitted))
			return
		case now := <-ticker.C:
			nextPID++
			image := sampleImages[rng.Intn(len(sampleImages))]
			ticks := unixToTicks(now)
			enc.EmitProcessCreate(ticks, nextPID, 1, image, image)
			emitted++
			if emitted%50 == 0 {
				log.Info("emitted synthetic events", zap.Int("count", emitted), zap.Uint64("encode_errors", enc.EncodeErrors()), zap.Uint32("ring_dropped", r.Dropped()))
			}
			if *count > 0 && emitted >= *count {
				log.Info("reached requested event count, stopping", zap.Int("emitted", emitted))
				return
			}
		}
	}
}

func openOrCreateRing(path string, dataSize uint32, create bool) (*ring.MappedRegion, *ring.Ring, error) {
	if create {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			region, err := ring.CreateRegion(path, dataSize)
			if err != nil {
				return nil, nil, fmt.Errorf("create region: %w", err)
			}
			r, err := ring.New(region.Bytes(), dataSize)
			if err != nil {
				region.Close() //nolint:errcheck
				return nil, nil, fmt.Errorf("initialize ring: %w", err)
			}
			return region, r, nil
		}
	}
	region, err := ring.OpenRegion(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open region: %w", err)
	}
	r, err := ring.Open(region.Bytes())
	if err != nil {
		region.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("attach ring: %w", err)
	}
	return region, r, nil
}

// unixEpochTicksOffset is the number of 100ns ticks between the Windows
// FILETIME epoch and the Unix epoch (11644473600 seconds).
const unixEpochTicksOffset = 11644473600 * 10_000_000

func unixToTicks(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + unixEpochTicksOffset
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	return cfg.Build()
}
