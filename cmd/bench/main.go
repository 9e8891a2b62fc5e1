package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr    string
	total   int
	conc    int
	valSize int
)

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load a zephyrgroup member with put/get pairs",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "member HTTP address")
	rootCmd.Flags().IntVarP(&total, "requests", "n", 5000, "requests")
	rootCmd.Flags().IntVarP(&conc, "concurrency", "c", 32, "concurrency")
	rootCmd.Flags().IntVar(&valSize, "val", 128, "value size bytes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	if total <= 0 || conc <= 0 {
		return fmt.Errorf("n and c must be positive")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	var wg sync.WaitGroup
	var failed atomic.Int64
	start := time.Now()
	ch := make(chan struct{}, conc)

	for i := 0; i < total; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			key := fmt.Sprintf("k%d", i)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, valSize)
			req, _ := http.NewRequest(http.MethodPut, addr+"/kv/"+key, bytes.NewReader(payload))
			resp, err := client.Do(req)
			if err != nil || resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
			drain(resp)
			resp, err = client.Get(addr + "/kv/" + key)
			if err != nil || resp.StatusCode != http.StatusOK {
				failed.Add(1)
			}
			drain(resp)
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed\n", total*2, dur, float64(total*2)/dur.Seconds(), failed.Load())
	return nil
}

func drain(resp *http.Response) {
	if resp == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
