package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sbiproxy/ingressrl/internal/tfqdn"
)

var (
	workers  = flag.Int("workers", 10, "Number of concurrent workers")
	input    = flag.String("input", "nfudm2.mnc.123.mcc.321.ericsson.se:15713", "FQDN to encode/decode repeatedly")
	duration = flag.Duration("duration", 10*time.Second, "Test duration")
)

func main() {
	flag.Parse()

	log.Printf("Starting TFQDN codec benchmark with %d workers for %v", *workers, *duration)

	var count uint64
	var mismatches uint64
	done := make(chan struct{})
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					encoded := tfqdn.Encode(*input)
					decoded := tfqdn.Decode(encoded)
					if decoded != *input {
						atomic.AddUint64(&mismatches, 1)
					}
					atomic.AddUint64(&count, 1)
				}
			}
		}()
	}

	time.Sleep(*duration)
	close(done)
	wg.Wait()

	totalTime := time.Since(start)
	opsPerSec := float64(count) / totalTime.Seconds()

	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Total round-trips: %d\n", count)
	fmt.Printf("Mismatches:        %d\n", mismatches)
	fmt.Printf("Duration:          %.2fs\n", totalTime.Seconds())
	fmt.Printf("Round-trips/sec:   %.2f\n", opsPerSec)
}
