package circuit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// EnhancedClient wraps http.Client with resilience patterns used for
// downstream inference calls (spec §4.E "protecting downstream calls"):
// - Exponential Backoff & Jitter
// - Circuit Breaking (delegated to Breaker)
// - Distributed Tracing Injection
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	breaker    *Breaker
}

// NewEnhancedClient builds a client guarded by a breaker with spec default
// thresholds, named for the downstream it talks to.
func NewEnhancedClient(circuitName string) *EnhancedClient {
	return &EnhancedClient{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    NewDefault(circuitName),
	}
}

// Do executes an HTTP request with resiliency patterns.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	// 1. Trace Injection (W3C Trace Context)
	// In production, this would grab the span from ctx.
	// Here we stick to a simulated trace ID for observability.
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		// Best-effort fallback if the system RNG fails.
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))

	var resp *http.Response
	err := c.breaker.Execute(req.Context(), func(ctx context.Context) error {
		// 2 & 3. Retry loop with exponential backoff + jitter, all inside
		// one breaker-tracked call so a string of retried failures counts
		// as a single failure/success toward the circuit.
		var callErr error
		for i := 0; i <= c.maxRetries; i++ {
			resp, callErr = c.client.Do(req)
			if callErr == nil && resp.StatusCode < 500 {
				return nil
			}
			if i == c.maxRetries {
				break
			}
			backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
			jitter := time.Duration(0)
			if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
				jitter = time.Duration(n.Int64()) * time.Millisecond
			}
			time.Sleep(backoff + jitter)
		}
		if callErr != nil {
			return callErr
		}
		return fmt.Errorf("circuit: downstream returned status %d", resp.StatusCode)
	})
	if err != nil {
		return resp, err
	}
	return resp, nil
}
