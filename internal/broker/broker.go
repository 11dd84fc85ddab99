// Package broker is the client-facing half of the gateway: it accepts
// WebSocket connections, owns one upstream realtime session per client,
// routes inbound frames (binary audio and channel-tagged JSON) and fans
// upstream events back out as client envelopes.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/sonju-ai/sonju-gateway/internal/observe"
	"github.com/sonju-ai/sonju-gateway/internal/registry"
	"github.com/sonju-ai/sonju-gateway/internal/toolexec"
	"github.com/sonju-ai/sonju-gateway/pkg/realtime"
	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

// Every session is opened with the same counselling context; the service
// fronts exactly one deployment surface.
const (
	sessionContext = "복지 상담"
	audioContext   = "웹 테스트"
)

// defaultHeartbeatInterval is the client ping cadence. A client that does
// not answer within one interval is terminated.
const defaultHeartbeatInterval = 30 * time.Second

var _ http.Handler = (*Broker)(nil)

// Option is a functional option for Broker.
type Option func(*Broker)

// WithLogger sets the broker's base logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithMetrics sets the metrics instance; DefaultMetrics is used otherwise.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithHeartbeatInterval overrides the client ping cadence. Used in tests.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// Broker accepts client WebSockets and brokers them onto upstream realtime
// sessions. One Broker serves all clients.
type Broker struct {
	rt        *realtime.Client
	searcher  retrieval.Searcher
	reg       *registry.Registry
	log       *slog.Logger
	metrics   *observe.Metrics
	heartbeat time.Duration
}

// New creates a Broker that opens upstream sessions through rt and serves
// rag_search calls through searcher.
func New(rt *realtime.Client, searcher retrieval.Searcher, reg *registry.Registry, opts ...Option) *Broker {
	b := &Broker{
		rt:        rt,
		searcher:  searcher,
		reg:       reg,
		log:       slog.Default(),
		heartbeat: defaultHeartbeatInterval,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// ServeHTTP upgrades the connection and runs the session until either side
// disconnects. The handler returns only when the client socket is done.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin policy is enforced by the fronting HTTP layer.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		b.log.Warn("websocket accept failed", "err", err)
		return
	}

	id := newSessionID()
	log := b.log.With("session_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	cs := &clientSession{
		id:          id,
		conn:        conn,
		reg:         b.reg,
		log:         log,
		metrics:     b.metrics,
		pingTimeout: b.heartbeat,
		ready:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	cs.exec = toolexec.New(b.searcher,
		toolexec.WithLogger(log),
		toolexec.WithSearchObserver(func(d time.Duration) {
			b.metrics.RetrievalDuration.Record(ctx, d.Seconds())
		}),
	)

	up, err := b.rt.Open(r.Context(), id, realtime.SessionConfig{
		Instructions: defaultInstructions(),
		OnToolCall:   cs.handleToolCall,
	})
	if err != nil {
		log.Error("upstream open failed", "err", err)
		cs.sendError(http.StatusServiceUnavailable, "upstream unavailable")
		conn.Close(websocket.StatusTryAgainLater, "upstream unavailable")
		cancel()
		return
	}
	cs.setUpstream(up)

	entry := &registry.Entry{
		SessionID: id,
		CreatedAt: time.Now(),
		Conn:      cs,
		Close:     cs.teardown,
	}
	if err := b.reg.Insert(id, entry); err != nil {
		log.Error("session registration failed", "err", err)
		_ = up.Close()
		conn.Close(websocket.StatusInternalError, "registration failed")
		cancel()
		return
	}

	b.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session started")

	go cs.forwardEvents()
	cs.readLoop()
}

// Run drives the client heartbeat until ctx is cancelled. Pings run off the
// registry snapshot on their own goroutines so one slow client never delays
// the sweep.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.reg.Range(func(id string, e *registry.Entry) {
				go func() {
					if err := e.Conn.Ping(); err != nil {
						b.log.Info("heartbeat failed, terminating session", "session_id", id, "err", err)
						e.Close()
					}
				}()
			})
		}
	}
}

// ActiveSessions reports the number of registered sessions.
func (b *Broker) ActiveSessions() int { return b.reg.Len() }

// defaultInstructions is the system prompt submitted at session open.
func defaultInstructions() string {
	return fmt.Sprintf(
		"당신은 %s을 돕는 음성 상담 도우미입니다. 현재 %s 환경에서 대화하고 있습니다. "+
			"답변에 근거가 필요하면 rag_search 도구로 관련 문서를 먼저 검색하세요. "+
			"검색 결과에 [출처] 표시가 있으면 해당 내용을 우선하여 답변하세요.",
		sessionContext, audioContext,
	)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newSessionID mints a sonj_<epoch_ms>_<6 base36 chars> identifier.
func newSessionID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = base36[rand.IntN(len(base36))]
	}
	return fmt.Sprintf("sonj_%d_%s", time.Now().UnixMilli(), suffix)
}
