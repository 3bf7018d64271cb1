package connectivity

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	wsBaseDelay = time.Second
	wsMaxDelay  = 30 * time.Second
)

// WebSocketProvider keeps a websocket open to the backend and pings it. The
// backend is considered reachable while pings succeed.
type WebSocketProvider struct {
	notifier

	url      string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketProvider pings url every interval.
func NewWebSocketProvider(url string, interval time.Duration, logger *zap.Logger) *WebSocketProvider {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketProvider{url: url, interval: interval, logger: logger}
}

// Fetch pings over the open connection, dialing first if there is none.
func (p *WebSocketProvider) Fetch(ctx context.Context) (Reading, error) {
	conn, err := p.connection(ctx)
	if err != nil {
		p.logger.Debug("websocket dial failed", zap.String("url", p.url), zap.Error(err))
		return Reading{}, nil
	}
	if err := p.ping(ctx, conn); err != nil {
		p.drop(conn, "ping failed")
		return Reading{}, nil
	}
	return Reading{Connected: true, InternetReachable: true}, nil
}

// Subscribe implements Provider. The ping loop runs while at least one
// subscriber is registered.
func (p *WebSocketProvider) Subscribe(f func(Reading)) func() {
	id, first := p.add(f)
	if first {
		p.start()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if p.remove(id) {
				p.stop()
			}
		})
	}
}

func (p *WebSocketProvider) connection(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return nil, err
	}
	// Pongs are only processed while something reads the connection.
	conn.CloseRead(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return p.conn, nil
	}
	p.conn = conn
	return conn, nil
}

func (p *WebSocketProvider) ping(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	return conn.Ping(pingCtx)
}

func (p *WebSocketProvider) drop(conn *websocket.Conn, reason string) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, reason)
}

func (p *WebSocketProvider) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

func (p *WebSocketProvider) stop() {
	p.mu.Lock()
	cancel, done, conn := p.cancel, p.done, p.conn
	p.cancel, p.done, p.conn = nil, nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (p *WebSocketProvider) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		r, _ := p.Fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		p.publish(r)

		wait := p.interval
		if r.Online() {
			attempt = 0
		} else {
			wait = backoff(attempt)
			attempt++
			p.logger.Debug("websocket unreachable, redialing", zap.Duration("delay", wait))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// backoff doubles from wsBaseDelay up to wsMaxDelay.
func backoff(attempt int) time.Duration {
	d := float64(wsBaseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(math.Min(d, float64(wsMaxDelay)))
}
