package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadLimit    = 5 * 1024 * 1024
	streamPingInterval = 30 * time.Second
	streamMaxBackoff   = 30 * time.Second
)

type subscribeMessage struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
}

type streamEnvelope struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

type midQuote struct {
	price float64
	at    time.Time
}

// midStream keeps a live map of mid prices fed by the venue's all-mids
// subscription. Readers fall back to REST when a quote is missing or stale.
type midStream struct {
	url  string
	log  *zap.Logger
	mu   sync.RWMutex
	mids map[string]midQuote
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newMidStream(url string, log *zap.Logger) *midStream {
	return &midStream{
		url:  url,
		log:  log,
		mids: make(map[string]midQuote),
		done: make(chan struct{}),
	}
}

// Start dials and keeps the subscription alive until ctx ends or Close is
// called. The first dial failure is returned so startup can surface it;
// later drops reconnect with capped doubling backoff.
func (m *midStream) Start(ctx context.Context) error {
	if err := m.connect(); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

func (m *midStream) Close() {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

// Mid returns the streamed mid price for coin when the quote is younger
// than maxAge.
func (m *midStream) Mid(coin string, maxAge time.Duration) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.mids[coin]
	if !ok || time.Since(q.at) > maxAge {
		return 0, false
	}
	return q.price, true
}

func (m *midStream) connect() error {
	c, _, err := websocket.DefaultDialer.Dial(m.url, nil)
	if err != nil {
		return err
	}
	c.SetReadLimit(streamReadLimit)

	var sub subscribeMessage
	sub.Method = "subscribe"
	sub.Subscription.Type = "allMids"
	if err := c.WriteJSON(sub); err != nil {
		c.Close()
		return err
	}

	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	return nil
}

func (m *midStream) run(ctx context.Context) {
	backoff := time.Second
	for {
		m.readLoop(ctx)

		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < streamMaxBackoff {
			backoff *= 2
		}

		if err := m.connect(); err != nil {
			m.log.Warn("mid stream reconnect failed", zap.Error(err))
			continue
		}
		m.log.Info("mid stream reconnected")
		backoff = time.Second
	}
}

func (m *midStream) readLoop(ctx context.Context) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	defer conn.Close()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-ping.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
			case <-ctx.Done():
			default:
				m.log.Warn("mid stream read failed", zap.Error(err))
			}
			return
		}

		var env streamEnvelope
		if err := sonic.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.Channel != "allMids" || len(env.Data.Mids) == 0 {
			continue
		}

		now := time.Now()
		m.mu.Lock()
		for coin, raw := range env.Data.Mids {
			px, err := strconv.ParseFloat(raw, 64)
			if err != nil || px <= 0 {
				continue
			}
			m.mids[coin] = midQuote{price: px, at: now}
		}
		m.mu.Unlock()
	}
}
