// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command bench compares StoreMessage throughput and latency between the
// in-memory and bbolt-backed StorageBackend implementations.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/prometheus/client_golang/prometheus"

	rd "github.com/streamcore/reliabledispatch"
)

// storeRequester drives StoreMessage calls against one ReliableDispatch as a
// bench.Requester. Setup/Teardown are no-ops: the dispatch is constructed and
// closed by main, shared across all requesters for a given backend.
type storeRequester struct {
	dispatch   *rd.ReliableDispatch
	payload    []byte
	attributes map[string]string
}

func (r *storeRequester) Setup() error    { return nil }
func (r *storeRequester) Teardown() error { return nil }

func (r *storeRequester) Request() (bool, error) {
	err := r.dispatch.StoreMessage(rd.StreamMessage{
		Payload:     r.payload,
		Attributes:  r.attributes,
		PublishTime: time.Now(),
	})
	return err == nil, err
}

type requesterFactory struct {
	dispatch    *rd.ReliableDispatch
	payloadSize int
}

func (f *requesterFactory) GetRequester(uint64) bench.Requester {
	return &storeRequester{
		dispatch: f.dispatch,
		payload:  make([]byte, f.payloadSize),
	}
}

func main() {
	var (
		duration    = flag.Duration("duration", 10*time.Second, "how long to run each backend's benchmark")
		rateLimit   = flag.Int("rate", 0, "requests per second across all connections (0 = unlimited)")
		connections = flag.Uint64("connections", 4, "number of concurrent StoreMessage callers")
		payloadSize = flag.Int("payload-bytes", 256, "size of each benchmark message's payload")
		segmentMB   = flag.Int("segment-mb", 4, "segment size, in megabytes, for both backends under test")
		outDir      = flag.String("out", ".", "directory to write latency-by-percentile reports into")
	)
	flag.Parse()

	if err := run(*duration, *rateLimit, *connections, *payloadSize, *segmentMB, *outDir); err != nil {
		log.Fatalf("bench: %v", err)
	}
}

func run(duration time.Duration, rateLimit int, connections uint64, payloadSize, segmentMB int, outDir string) error {
	memHist, err := benchmarkBackend("memory", func() (rd.StorageBackend, func(), error) {
		return rd.NewMemoryBackend(), func() {}, nil
	}, duration, rateLimit, connections, payloadSize, segmentMB)
	if err != nil {
		return fmt.Errorf("memory backend: %w", err)
	}
	if err := writeReport(outDir, "memory", memHist); err != nil {
		return err
	}

	boltHist, err := benchmarkBackend("bolt", func() (rd.StorageBackend, func(), error) {
		dir, err := os.MkdirTemp("", "reliabledispatch-bench-*")
		if err != nil {
			return nil, nil, err
		}
		backend, err := rd.OpenBoltBackend(filepath.Join(dir, "segments.db"))
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		cleanup := func() {
			backend.Close()
			os.RemoveAll(dir)
		}
		return backend, cleanup, nil
	}, duration, rateLimit, connections, payloadSize, segmentMB)
	if err != nil {
		return fmt.Errorf("bolt backend: %w", err)
	}
	return writeReport(outDir, "bolt", boltHist)
}

func benchmarkBackend(
	name string,
	open func() (rd.StorageBackend, func(), error),
	duration time.Duration,
	rateLimit int,
	connections uint64,
	payloadSize, segmentMB int,
) (*hdrhistogram.Histogram, error) {
	backend, cleanup, err := open()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cache := rd.NewTopicCache(backend, 256, 5*time.Minute)
	reg := prometheus.NewRegistry()
	dispatch := rd.NewReliableDispatch("bench-"+name, rd.ReliableOptions{
		SegmentSizeMB:   segmentMB,
		RetentionPolicy: rd.RetainUntilExpire,
	}, cache, rd.WithRegisterer(reg))
	defer dispatch.Close()

	factory := &requesterFactory{dispatch: dispatch, payloadSize: payloadSize}
	return bench.Benchmark(factory, duration, connections, rateLimit), nil
}

func writeReport(outDir, name string, hist *hdrhistogram.Histogram) error {
	path := filepath.Join(outDir, fmt.Sprintf("reliabledispatch-bench-%s.hgrm", name))
	return hdrwriter.WriteDistributionFile(hist, nil, 1.0, path)
}
