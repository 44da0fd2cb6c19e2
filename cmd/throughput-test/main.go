package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/zoxy/zoxy-srv/config"
	"github.com/codefionn/zoxy/zoxy-srv/logger"
	"github.com/codefionn/zoxy/zoxy-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	backends    = flag.Int("backends", 0, "Spread requests over this many backends with the load balancer (0 disables it)")
)

// frontendAddr is the address clients request when load balancing is enabled.
const frontendAddr = "10.255.255.10:80"

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func startDataServer(buf []byte) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		if err := http.Serve(ln, dataHandler(buf)); err != nil {
			logger.Error("Data server error: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{n, fmt.Errorf("read body: %w", err)}
		return
	}
	if n != int64(*dataSize) {
		results <- result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
		return
	}
	results <- result{n, nil}
}

// proxyConfig builds a loopback proxy; with backend addresses it balances
// frontendAddr evenly across them.
func proxyConfig(backendAddrs []string) (*config.Config, error) {
	cfg := config.Default()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.DestTimeout = 2 * time.Second

	if len(backendAddrs) == 0 {
		return cfg, nil
	}

	host, port, err := net.SplitHostPort(frontendAddr)
	if err != nil {
		return nil, err
	}
	cfg.LoadBalancing.Frontend = &config.Frontend{Network: host + "/32", Port: port}
	weight := max(1, 100/len(backendAddrs))
	for _, addr := range backendAddrs {
		bHost, bPort, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		cfg.LoadBalancing.Backends = append(cfg.LoadBalancing.Backends, config.Backend{Host: bHost, Port: bPort, Weight: weight})
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	logger.SetLevel(logger.ERROR)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Test failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	servers := max(1, *backends)
	addrs := make([]string, 0, servers)
	for i := 0; i < servers; i++ {
		addr, err := startDataServer(buf)
		if err != nil {
			return fmt.Errorf("start data server: %w", err)
		}
		addrs = append(addrs, addr)
	}

	targetURL := "http://" + addrs[0] + "/data"
	var lbAddrs []string
	if *backends > 0 {
		lbAddrs = addrs
		targetURL = "http://" + frontendAddr + "/data"
	}

	cfg, err := proxyConfig(lbAddrs)
	if err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	srv, err := proxy.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	defer srv.Close()
	go func() {
		if err := srv.Listen(); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()

	proxyURL, err := url.Parse("http://" + srv.Addr().String())
	if err != nil {
		return err
	}
	// every request opens its own connection so it is routed on its own
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}

	results := make(chan result, *numRequests)
	jobs := make(chan struct{})
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < max(1, *concurrency); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendRequest(ctx, client, targetURL, results)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, failures, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failures)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)
	if *backends > 0 {
		for _, b := range srv.LoadBalancerState().Backends {
			fmt.Printf("Backend %s:%s weight %.2f served %d\n", b.Host, b.Port, b.Weight, b.AccessCount)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d requests failed, first: %w", failures, *numRequests, firstErr)
	}
	return nil
}
