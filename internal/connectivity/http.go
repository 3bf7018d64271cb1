package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeInterval is how often the probes check the backend.
const DefaultProbeInterval = 10 * time.Second

// HTTPProvider polls the backend with HEAD requests. A completed request means
// connected; a 2xx or 3xx answer means the backend is reachable.
type HTTPProvider struct {
	notifier

	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHTTPProvider probes url every interval. A nil client gets one whose
// timeout equals the interval.
func NewHTTPProvider(url string, interval time.Duration, client *http.Client, logger *zap.Logger) *HTTPProvider {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		url:      url,
		interval: interval,
		client:   client,
		logger:   logger,
	}
}

// Fetch sends one probe. Transport failures are a disconnected reading, not an
// error; only a malformed probe URL fails.
func (p *HTTPProvider) Fetch(ctx context.Context) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Reading{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return Reading{}, nil
	}
	resp.Body.Close()
	return Reading{
		Connected:         true,
		InternetReachable: resp.StatusCode >= 200 && resp.StatusCode < 400,
	}, nil
}

// Subscribe implements Provider. Polling runs while at least one subscriber
// is registered.
func (p *HTTPProvider) Subscribe(f func(Reading)) func() {
	id, first := p.add(f)
	if first {
		p.startPolling()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if p.remove(id) {
				p.stopPolling()
			}
		})
	}
}

func (p *HTTPProvider) startPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.poll(ctx, p.done)
}

func (p *HTTPProvider) stopPolling() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *HTTPProvider) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := p.Fetch(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("probe error", zap.Error(err))
				r = Reading{}
			}
			p.publish(r)
		}
	}
}
