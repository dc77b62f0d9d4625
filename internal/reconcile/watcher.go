package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/session"
	ws "github.com/kandev/researchd/pkg/websocket"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL         string
	SessionID       string
	StalenessWindow time.Duration
	PollInterval    time.Duration
	ReconnectDelay  time.Duration
}

// Watcher follows one session from the client side. It applies events from
// the real-time channel to a local copy of the session, acknowledges
// critical ones and answers pings. While no event arrived for the
// staleness window it polls the snapshot instead, and it stops once the
// session reaches a terminal status.
type Watcher struct {
	cfg    WatcherConfig
	http   *http.Client
	dialer *websocket.Dialer
	logger *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	seen      map[string]struct{}
	local     *session.Session
	staleness *Staleness
	onChange  func(session.Session)
	polls     int
	done      chan struct{}
	doneOnce  sync.Once
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig, log *logger.Logger) (*Watcher, error) {
	if err := session.ValidateID(cfg.SessionID); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	seen := make(map[string]struct{})
	now := time.Now()
	return &Watcher{
		cfg:       cfg,
		http:      &http.Client{Timeout: 30 * time.Second},
		dialer:    websocket.DefaultDialer,
		logger:    log.WithSessionID(cfg.SessionID),
		now:       time.Now,
		seen:      seen,
		local:     session.Adopt(*session.New(cfg.SessionID), seen),
		staleness: NewStaleness(cfg.StalenessWindow, now),
		done:      make(chan struct{}),
	}, nil
}

// OnChange registers fn to be called with the local state after every
// change. fn runs with the watcher lock held and must not call back into
// the Watcher.
func (w *Watcher) OnChange(fn func(session.Session)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Session returns the local state.
func (w *Watcher) Session() session.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.local.Clone()
}

// Polls returns how many snapshots were fetched.
func (w *Watcher) Polls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polls
}

// Run follows the session until it reaches a terminal status (nil) or ctx
// is done (ctx's error).
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.streamLoop(gctx) })
	g.Go(func() error { return w.pollLoop(gctx) })

	select {
	case <-w.done:
	case <-gctx.Done():
	}
	err := g.Wait()
	select {
	case <-w.done:
		return nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (w *Watcher) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) streamLoop(ctx context.Context) error {
	for !w.finished() {
		err := w.stream(ctx)
		if ctx.Err() != nil || w.finished() {
			return nil
		}
		w.logger.Debug("Real-time channel lost, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-time.After(w.cfg.ReconnectDelay):
		}
	}
	return nil
}

func (w *Watcher) streamURL() string {
	w.mu.Lock()
	last := w.local.LastMessageID
	w.mu.Unlock()

	q := url.Values{}
	q.Set("replay", "true")
	if last != "" {
		q.Set("after", last)
	}
	base := w.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/sessions/" + w.cfg.SessionID + "/ws?" + q.Encode()
}

// stream reads one connection until it fails. All writes happen here.
func (w *Watcher) stream(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	w.logger.Debug("Connected to real-time channel")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := ws.ParseMessage(data)
		if err != nil {
			w.logger.Warn("Failed to parse frame", zap.Error(err))
			continue
		}

		switch msg.EventType {
		case ws.EventPing:
			err = conn.WriteJSON(&ws.ControlMessage{Type: ws.ControlPong})
		case ws.EventPong:
		case ws.EventError:
			var p ws.ErrorPayload
			_ = msg.ParsePayload(&p)
			w.logger.Warn("Server rejected a frame", zap.String("code", p.Code), zap.String("message", p.Message))
		default:
			ev := &events.Event{
				MessageID: msg.MessageID,
				SessionID: w.cfg.SessionID,
				Type:      events.Type(msg.EventType),
				Payload:   msg.Payload,
				Timestamp: msg.Timestamp,
			}
			w.apply(ev)
			if events.IsCritical(ev.Type) && ev.MessageID != "" {
				err = conn.WriteJSON(ws.NewAck(ev.MessageID))
			}
		}
		if err != nil {
			return err
		}
	}
}

func (w *Watcher) apply(ev *events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.staleness.ObserveEvent(w.now())
	applied, err := w.local.Apply(ev)
	if err != nil {
		w.logger.Warn("Failed to apply event", zap.String("message_id", ev.MessageID), zap.Error(err))
		return
	}
	if applied {
		w.changed()
	}
}

// changed notifies the callback and ends the run on a terminal status.
// The caller holds w.mu.
func (w *Watcher) changed() {
	if w.onChange != nil {
		w.onChange(w.local.Clone())
	}
	if w.local.Status.IsTerminal() {
		w.doneOnce.Do(func() { close(w.done) })
	}
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
		}

		w.mu.Lock()
		due := w.staleness.ShouldPoll(w.now(), w.local.Status)
		w.mu.Unlock()
		if !due {
			continue
		}
		if err := w.poll(ctx); err != nil {
			w.logger.Debug("Snapshot poll failed", zap.Error(err))
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	snap, err := w.FetchSnapshot(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	if snap.EventCount < w.local.EventCount && !snap.Status.IsTerminal() {
		return nil
	}
	w.local = session.Adopt(snap, w.seen)
	w.changed()
	return nil
}

// FetchSnapshot reads the server's current state of the session.
func (w *Watcher) FetchSnapshot(ctx context.Context) (session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/api/v1/sessions/"+w.cfg.SessionID, nil)
	if err != nil {
		return session.Session{}, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return session.Session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return session.Session{}, session.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return session.Session{}, fmt.Errorf("snapshot request failed: %d", resp.StatusCode)
	}
	var snap session.Session
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return session.Session{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
