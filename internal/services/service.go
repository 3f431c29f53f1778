// Package services normalizes external intelligence providers into stable
// records the analyzers consume. Every service shares the same plumbing:
// per-key TTL cache, bounded retry with jitter, and a circuit breaker that
// also backs the /health endpoint.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/txshield/firewall-engine/internal/config"
	"github.com/txshield/firewall-engine/internal/faults"
)

// Tri is a three-valued answer from providers that may not know.
type Tri string

const (
	TriYes     Tri = "yes"
	TriNo      Tri = "no"
	TriUnknown Tri = "unknown"
)

// Source ids used in Required/Optional dependency declarations and in
// failed-source lists. The adapter capabilities count as sources too.
const (
	SourceHoneypot   = "honeypot"
	SourceMarket     = "market"
	SourceScamList   = "scamlist"
	SourceWalletRep  = "walletrep"
	SourceSimulation = "simulation"
	SourceReputation = "reputation"
	SourceChainRPC   = "chain_rpc"
	SourceExplorer   = "explorer"
)

const fetchAttempts = 3

type cacheEntry struct {
	value   any
	expires time.Time
}

// base carries the shared fetch plumbing. Concrete services embed it and
// supply the provider call.
type base struct {
	name    string
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	http    *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func newBase(name string, ttl time.Duration, circuit config.CircuitConfig) base {
	threshold := uint32(circuit.FailThreshold)
	return base{
		name: name,
		ttl:  ttl,
		http: &http.Client{Timeout: 8 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "svc-" + name,
			Interval: circuit.Window,
			Timeout:  circuit.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
		cache: make(map[string]cacheEntry),
	}
}

func (b *base) Name() string { return b.name }

// Healthy reports the breaker state for the /health endpoint.
func (b *base) Healthy() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

// do serves from cache when fresh, otherwise runs fetch through the breaker
// with retry+jitter. Cache hits are pure reads as far as callers can tell.
func (b *base) do(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	if entry, ok := b.cache[key]; ok && time.Now().Before(entry.expires) {
		b.mu.Unlock()
		return entry.value, nil
	}
	b.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * 40 * time.Millisecond
			delay += time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return nil, faults.New(faults.KindTimeout, b.name, ctx.Err())
			case <-time.After(delay):
			}
		}

		out, err := b.breaker.Execute(func() (any, error) { return fetch(ctx) })
		if err == nil {
			b.mu.Lock()
			b.cache[key] = cacheEntry{value: out, expires: time.Now().Add(b.ttl)}
			b.mu.Unlock()
			return out, nil
		}
		lastErr = b.classify(err)
		if !faults.Transient(lastErr) || ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (b *base) classify(err error) error {
	var f *faults.Fault
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.New(faults.KindTimeout, b.name, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.New(faults.KindUnavailable, b.name, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return faults.New(faults.KindRateLimited, b.name, err)
	}
	return faults.New(faults.KindUnavailable, b.name, err)
}

// getJSON runs an HTTP GET and decodes the body into out.
func (b *base) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return faults.New(faults.KindInternal, b.name, err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.New(faults.KindTimeout, b.name, err)
		}
		return faults.New(faults.KindUnavailable, b.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.Newf(faults.KindRateLimited, b.name, "http 429")
	case resp.StatusCode == http.StatusNotFound:
		return faults.Newf(faults.KindNotFound, b.name, "http 404")
	case resp.StatusCode != http.StatusOK:
		return faults.Newf(faults.KindUnavailable, b.name, "http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return faults.New(faults.KindUnavailable, b.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return faults.New(faults.KindMalformed, b.name, fmt.Errorf("decode: %w", err))
	}
	return nil
}
