package feed

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

const (
	MessageSubscribe = "subscribe"
	MessageScope     = "scope"

	wsReadLimit    = 1 << 20
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// ControlMessage is sent by a client to open or narrow its subscription.
// Events flow back as change event JSON documents.
type ControlMessage struct {
	Type    string   `json:"type"`
	UserID  string   `json:"userId,omitempty"`
	NoteIDs []string `json:"noteIds"`
}

// WebSocketFeed subscribes to a relay's /v1/feed endpoint.
type WebSocketFeed struct {
	url   string
	token string
	log   *zap.SugaredLogger
}

func NewWebSocketFeed(url, token string, log *zap.SugaredLogger) *WebSocketFeed {
	return &WebSocketFeed{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		log:   logger.OrNop(log).With(logger.FieldComponent, "websocket-feed"),
	}
}

func (f *WebSocketFeed) Subscribe(ctx context.Context, scope cloud.Scope) (cloud.Subscription, error) {
	if f.url == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "feed url is required")
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, wsDialTimeout)
	defer cancelDial()
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	conn, resp, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Mark(errors.Wrapf(err, "dial %s", f.url), notes.ErrPermissionDenied)
		}
		return nil, notes.Unavailable(err, "dial feed")
	}
	conn.SetReadLimit(wsReadLimit)

	hello := ControlMessage{Type: MessageSubscribe, UserID: scope.UserID, NoteIDs: nonNil(scope.NoteIDs)}
	if err := writeControl(ctx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, notes.Unavailable(err, "send subscribe")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		conn:   conn,
		events: make(chan cloud.ChangeEvent, 64),
		scope:  scope,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    f.log,
	}
	go sub.run(runCtx)
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan cloud.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	log    *zap.SugaredLogger

	mu    sync.Mutex
	scope cloud.Scope
	err   error
}

func (s *wsSubscription) Events() <-chan cloud.ChangeEvent { return s.events }

func (s *wsSubscription) SetScope(scope cloud.Scope) error {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
	msg := ControlMessage{Type: MessageScope, NoteIDs: nonNil(scope.NoteIDs)}
	if err := writeControl(context.Background(), s.conn, msg); err != nil {
		return notes.Unavailable(err, "send scope")
	}
	return nil
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *wsSubscription) run(ctx context.Context) {
	var endErr error
	defer func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.err = endErr
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				endErr = notes.Unavailable(err, "feed connection lost")
			}
			return
		}
		event, err := cloud.DecodeEvent(data)
		if err != nil {
			s.log.Warnw("dropping malformed feed message", logger.FieldError, err)
			continue
		}
		s.mu.Lock()
		inScope := s.scope.Contains(event.Note)
		s.mu.Unlock()
		if !inScope {
			continue
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func writeControl(ctx context.Context, conn *websocket.Conn, msg ControlMessage) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
