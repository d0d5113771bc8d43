package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/feed"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

const (
	relayReadLimit    = 1 << 20
	relayHelloTimeout = 10 * time.Second
	relayWriteTimeout = 5 * time.Second
)

// handleFeed relays the cloud change feed to a websocket client. The client
// opens with a subscribe message and may narrow its note ids with scope
// messages; ids the session holds no grant for are dropped.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	if s.cfg.Feed == nil {
		writeError(w, http.StatusNotFound, "not_found", "feed relay is not enabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", logger.FieldError, err, logger.FieldCorrelation, correlationID)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(relayReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	helloCtx, cancelHello := context.WithTimeout(ctx, relayHelloTimeout)
	var hello feed.ControlMessage
	err = wsjson.Read(helloCtx, conn, &hello)
	cancelHello()
	if err != nil || hello.Type != feed.MessageSubscribe {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected subscribe")
		return
	}
	if hello.UserID != identity.UserID {
		_ = conn.Close(websocket.StatusPolicyViolation, "user mismatch")
		return
	}

	sub, err := s.cfg.Feed.Subscribe(ctx, cloud.Scope{UserID: identity.UserID, NoteIDs: s.grantedIDs(identity, hello.NoteIDs)})
	if err != nil {
		s.log.Warnw("feed relay subscribe failed", logger.FieldError, err, logger.FieldUserID, identity.UserID)
		_ = conn.Close(websocket.StatusTryAgainLater, "feed unavailable")
		return
	}
	defer sub.Close()
	s.log.Infow("feed relay opened", logger.FieldUserID, identity.UserID, logger.FieldCorrelation, correlationID)

	go func() {
		defer cancel()
		for {
			var msg feed.ControlMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type != feed.MessageScope {
				continue
			}
			scope := cloud.Scope{UserID: identity.UserID, NoteIDs: s.grantedIDs(identity, msg.NoteIDs)}
			if err := sub.SetScope(scope); err != nil {
				s.log.Debugw("relay scope update failed", logger.FieldError, err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "feed ended")
				return
			}
			payload, err := cloud.EncodeEvent(event)
			if err != nil {
				s.log.Warnw("dropping unencodable event", logger.FieldNoteID, event.Note.ID, logger.FieldError, err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, relayWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) grantedIDs(identity notes.Identity, requested []string) []string {
	granted := map[string]struct{}{}
	for _, id := range s.coord.Gate().SharedNoteIDs(identity.UserID) {
		granted[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := granted[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
