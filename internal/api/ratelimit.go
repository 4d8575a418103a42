package api

import (
	"os"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps a token-bucket limiter per depot for the optimize
// endpoints. RATE_RPS and RATE_BURST tune it; a run is CPU-bound, so the
// defaults are deliberately low.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool() *limiterPool {
	rps := 5.0
	burst := 10
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return &limiterPool{m: map[string]*rate.Limiter{}, rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) allow(depot string) bool {
	p.mu.Lock()
	l := p.m[depot]
	if l == nil {
		l = rate.NewLimiter(p.rps, p.burst)
		p.m[depot] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
