package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultInterval = 10 * time.Second

// Fetcher performs one poll. The HTTP client implements it.
type Fetcher interface {
	StudentStatus(ctx context.Context, studentID string) (View, error)
}

// Poller re-reads a student's view on a fixed interval. Fetch errors never
// stop it; the last good view is re-emitted with View.Stale set, a field
// only the poller fills in.
type Poller struct {
	fetch     Fetcher
	studentID string
	interval  time.Duration
	onUpdate  func(View)

	mu   sync.Mutex
	last View
	have bool
}

func NewPoller(f Fetcher, studentID string, interval time.Duration, onUpdate func(View)) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if onUpdate == nil {
		onUpdate = func(View) {}
	}
	return &Poller{fetch: f, studentID: studentID, interval: interval, onUpdate: onUpdate}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.Poll(ctx)
	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single fetch and reports the resulting view. ok is false
// only when nothing has ever been fetched successfully.
func (p *Poller) Poll(ctx context.Context) (View, bool) {
	fctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	v, err := p.fetch.StudentStatus(fctx, p.studentID)

	p.mu.Lock()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("student", p.studentID).Msg("viewer poll failed")
		}
		if !p.have {
			p.mu.Unlock()
			return View{}, false
		}
		p.last.Stale = true
		v = p.last
	} else {
		v.Stale = false
		p.last, p.have = v, true
	}
	p.mu.Unlock()

	p.onUpdate(v)
	return v, true
}

// Last returns the most recent view, if any.
func (p *Poller) Last() (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.have
}
