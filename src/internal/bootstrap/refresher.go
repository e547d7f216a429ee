package bootstrap

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/maksimkurb/keen-doh/src/internal/log"
)

// DefaultPollingInterval is how often the resolver host is re-resolved.
const DefaultPollingInterval = 120 * time.Second

// Status is a snapshot of the refresher state.
type Status struct {
	Host        string       `json:"host"`
	Addresses   []netip.Addr `json:"addresses"`
	LastRefresh time.Time    `json:"last_refresh,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// Refresher keeps the resolver host's addresses up to date in the background.
// A failed refresh keeps the previous address set.
type Refresher struct {
	resolver *Resolver
	host     string
	interval time.Duration
	clock    clock.Clock

	mu          sync.RWMutex
	addrs       []netip.Addr
	lastRefresh time.Time
	lastErr     error

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRefresher(resolver *Resolver, host string, interval time.Duration, clk clock.Clock) *Refresher {
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		resolver: resolver,
		host:     host,
		interval: interval,
		clock:    clk,
		trigger:  make(chan struct{}, 1),
	}
}

// Refresh resolves the host once and stores the result on success.
func (f *Refresher) Refresh(ctx context.Context) error {
	addrs, err := f.resolver.Resolve(ctx, f.host)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefresh = f.clock.Now()
	f.lastErr = err
	if err != nil {
		return err
	}
	f.addrs = addrs
	return nil
}

// Start performs an initial refresh and then refreshes every interval until
// Stop is called. An initial failure is logged, not returned: the loop keeps
// retrying.
func (f *Refresher) Start(ctx context.Context) {
	if err := f.Refresh(ctx); err != nil {
		log.Warnf("Initial bootstrap resolution of %s failed: %v", f.host, err)
	} else {
		log.Infof("Resolved %s to %v", f.host, f.Addresses())
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.loop(ctx)
}

// Trigger requests an immediate refresh without waiting for the next tick.
func (f *Refresher) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Stop terminates the background loop and waits for it to exit.
func (f *Refresher) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}

func (f *Refresher) loop(ctx context.Context) {
	defer close(f.done)

	ticker := f.clock.Ticker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.trigger:
			log.Debugf("Bootstrap refresh requested")
		}

		if err := f.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Bootstrap refresh of %s failed, keeping %v: %v", f.host, f.Addresses(), err)
			continue
		}
		log.Debugf("Bootstrap refresh of %s: %v", f.host, f.Addresses())
	}
}

// Addresses returns a copy of the latest resolved address set.
func (f *Refresher) Addresses() []netip.Addr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]netip.Addr, len(f.addrs))
	copy(out, f.addrs)
	return out
}

func (f *Refresher) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := Status{
		Host:        f.host,
		Addresses:   append([]netip.Addr(nil), f.addrs...),
		LastRefresh: f.lastRefresh,
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	return st
}
