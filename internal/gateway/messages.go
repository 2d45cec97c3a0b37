package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/soyeahso/teamsforge/internal/botauth"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/hooks"
)

// Bot messaging routes. Both paths are served identically.
const (
	MessagesPath      = "/api/messages"
	MessagesAliasPath = "/messages"
)

// maxActivityBytes caps an inbound activity body.
const maxActivityBytes = 1 << 20

// turnTimeout bounds one inbound turn end to end, including the reply.
const turnTimeout = 60 * time.Second

// Activity outcomes, used as the metrics result label.
const (
	resultOK           = "ok"
	resultUnauthorized = "unauthorized"
	resultInvalid      = "invalid"
	resultReplyFailed  = "reply_failed"
	resultError        = "error"
)

func isMessagesPath(path string) bool {
	return path == MessagesPath || path == MessagesAliasPath
}

// handleMessages serves the Bot Framework messaging endpoint. The bearer token
// is verified before the body is read and the activity is authorized before
// any processing; an unauthenticated activity never reaches the turn handler.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeMessage(w, http.StatusOK, "Bot service is running")
		return
	case http.MethodPost:
	default:
		writeMessage(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()

	tok, err := s.verifyToken(ctx, r.Header.Get("Authorization"))
	if err != nil {
		s.rejectActivity(w, r, err)
		return
	}
	activity, err := decodeActivity(r.Body)
	if err != nil {
		s.metrics.RecordActivity(resultInvalid)
		writeMessage(w, http.StatusBadRequest, "Invalid activity: "+err.Error())
		return
	}
	if err := s.authenticator.Authorize(tok, activity); err != nil {
		s.rejectActivity(w, r, err)
		return
	}

	s.emit(ctx, hooks.EventActivityReceived, map[string]any{
		"type":           activity.Type,
		"id":             activity.ID,
		"channelId":      activity.ChannelID,
		"conversationId": activity.Conversation.ID,
		"from":           activity.From.ID,
		"text":           activity.Text,
	})

	if s.turns == nil {
		s.metrics.RecordActivity(resultOK)
		w.WriteHeader(http.StatusOK)
		return
	}

	reply, err := s.turns.Handle(ctx, activity)
	if err != nil {
		s.metrics.RecordActivity(resultError)
		s.log.Error().Err(err).Str("conversation", activity.Conversation.ID).Msg("turn failed")
		writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if reply == nil {
		s.metrics.RecordActivity(resultOK)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.deliver(ctx, reply); err != nil {
		s.metrics.RecordActivity(resultReplyFailed)
		writeMessage(w, http.StatusInternalServerError, "Failed to send reply")
		return
	}

	s.metrics.RecordActivity(resultOK)
	writeJSON(w, http.StatusOK, reply)
}

// verifyToken fails closed when no authenticator is configured.
func (s *Server) verifyToken(ctx context.Context, authorization string) (*botauth.VerifiedToken, error) {
	if s.authenticator == nil {
		return nil, &botauth.AuthError{Step: botauth.StepHeader, Err: errors.New("bot authentication is not configured")}
	}
	return s.authenticator.VerifyToken(ctx, authorization)
}

func (s *Server) rejectActivity(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.RecordAuthFailure(botauth.Step(err))
	s.metrics.RecordActivity(resultUnauthorized)
	s.log.Debug().AnErr("cause", errors.Unwrap(err)).Str("step", botauth.Step(err)).Str("remote", r.RemoteAddr).Msg("inbound activity rejected")
	writeMessage(w, http.StatusUnauthorized, botauth.ErrUnauthorized.Error())
}

// deliver posts the reply through the connector when one is configured.
func (s *Server) deliver(ctx context.Context, reply *domain.Activity) error {
	s.emit(ctx, hooks.EventReplySending, map[string]any{
		"conversationId": reply.Conversation.ID,
		"replyToId":      reply.ReplyToID,
		"text":           reply.Text,
	})

	if s.sender == nil {
		s.metrics.RecordReply("ack_only")
		return nil
	}
	id, err := s.sender.Send(ctx, reply)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", reply.Conversation.ID).Msg("failed to send reply")
		return err
	}
	if id != "" {
		reply.ID = id
	}
	return nil
}

func (s *Server) emit(ctx context.Context, event string, data map[string]any) {
	if s.hooks == nil {
		return
	}
	s.hooks.EmitAsync(context.WithoutCancel(ctx), event, data)
}

func decodeActivity(body io.Reader) (*domain.Activity, error) {
	var a domain.Activity
	data, err := io.ReadAll(io.LimitReader(body, maxActivityBytes+1))
	if err != nil {
		return &a, err
	}
	if len(data) > maxActivityBytes {
		return &domain.Activity{}, errors.New("body too large")
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return &domain.Activity{}, err
	}
	return &a, nil
}
