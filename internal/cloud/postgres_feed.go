package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

const (
	listenerMinReconnect = 100 * time.Millisecond
	listenerMaxReconnect = 10 * time.Second
	feedBuffer           = 128
)

type noteLoader interface {
	getNote(ctx context.Context, id string) (notes.Note, bool, error)
}

type pqListener interface {
	Listen(channel string) error
	Ping() error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PostgresFeed turns LISTEN/NOTIFY on note_changes into change events.
type PostgresFeed struct {
	dsn         string
	loader      noteLoader
	log         *zap.SugaredLogger
	newListener func(dsn string, onEvent pq.EventCallbackType) pqListener
}

func NewPostgresFeed(dsn string, loader *Postgres, log *zap.SugaredLogger) *PostgresFeed {
	return &PostgresFeed{
		dsn:    dsn,
		loader: loader,
		log:    logger.OrNop(log).With(logger.FieldComponent, "postgres-feed"),
		newListener: func(dsn string, onEvent pq.EventCallbackType) pqListener {
			return pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, onEvent)
		},
	}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, scope Scope) (Subscription, error) {
	lost := make(chan error, 1)
	listener := f.newListener(f.dsn, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err == nil {
				err = notes.ErrNetworkUnavailable
			}
			select {
			case lost <- err:
			default:
			}
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, notes.Unavailable(err, "listen note_changes")
	}
	if err := listener.Ping(); err != nil {
		_ = listener.Close()
		return nil, notes.Unavailable(err, "ping listener")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{
		events:   make(chan ChangeEvent, feedBuffer),
		scope:    scope,
		cancel:   cancel,
		listener: listener,
		done:     make(chan struct{}),
	}
	go sub.run(runCtx, f, lost)
	return sub, nil
}

type pgSubscription struct {
	events   chan ChangeEvent
	cancel   context.CancelFunc
	listener pqListener
	done     chan struct{}

	mu    sync.Mutex
	scope Scope
	err   error
}

func (s *pgSubscription) Events() <-chan ChangeEvent { return s.events }

func (s *pgSubscription) SetScope(scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope
	return nil
}

func (s *pgSubscription) currentScope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

func (s *pgSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pgSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *pgSubscription) run(ctx context.Context, feed *PostgresFeed, lost <-chan error) {
	var endErr error
	defer func() {
		_ = s.listener.Close()
		s.mu.Lock()
		s.err = endErr
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			endErr = notes.Unavailable(err, "postgres feed connection lost")
			return
		case n := <-s.listener.NotificationChannel():
			if n == nil {
				// pq re-established the connection; anything sent meanwhile is gone.
				endErr = notes.Wrap(notes.ErrNetworkUnavailable, "postgres feed reconnected")
				return
			}
			event, ok := feed.resolve(ctx, []byte(n.Extra), s.currentScope())
			if !ok {
				continue
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *PostgresFeed) resolve(ctx context.Context, payload []byte, scope Scope) (ChangeEvent, bool) {
	event, err := DecodeEvent(payload)
	if err != nil {
		f.log.Warnw("dropping malformed notification", logger.FieldError, err)
		return ChangeEvent{}, false
	}
	if !scope.Contains(event.Note) {
		return ChangeEvent{}, false
	}
	if event.Op == OpDelete {
		return event, true
	}
	note, found, err := f.loader.getNote(ctx, event.Note.ID)
	if err != nil {
		f.log.Warnw("hydrating notification failed", logger.FieldNoteID, event.Note.ID, logger.FieldError, err)
		return ChangeEvent{}, false
	}
	if !found {
		return ChangeEvent{}, false
	}
	event.Note = note
	return event, true
}
