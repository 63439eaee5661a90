package gateway

import (
	"context"
	"errors"

	"github.com/kindling-ai/kindling/internal/tracing"
	"github.com/kindling-ai/kindling/pkg/bridge"
	"github.com/kindling-ai/kindling/pkg/bundle"
	"github.com/kindling-ai/kindling/pkg/configstore"
	"github.com/kindling-ai/kindling/pkg/engine"
	"github.com/kindling-ai/kindling/pkg/gate"
	"github.com/kindling-ai/kindling/pkg/registry"
)

func (s *Server) dispatch(c *client, req *RPCRequest) {
	ctx := tracing.NewRequestContext(context.Background())
	ctx = tracing.WithRequestID(ctx, req.ID)

	if req.Method == "auth" {
		s.handleAuth(ctx, c, req)
		return
	}

	if c.identity == nil {
		c.respondError(req, AuthenticationRequired, "authenticate first")
		return
	}
	id := *c.identity
	ctx = tracing.WithUserID(ctx, id.UserID)
	ctx = tracing.WithAppID(ctx, id.AppID)
	if sid, ok := stringParam(req, "session_id"); ok {
		ctx = tracing.WithSessionID(ctx, sid)
	}

	switch req.Method {
	case "session.create":
		configID, ok := stringParam(req, "config_id")
		if !ok {
			c.respondError(req, InvalidParams, "config_id is required")
			return
		}
		sess, err := s.service.CreateSession(ctx, id, configID)
		s.reply(c, req, sess, err)

	case "session.get":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		sess, err := s.service.GetSession(ctx, id, sessionID)
		s.reply(c, req, sess, err)

	case "session.list":
		limit, _ := intParam(req, "limit")
		offset, _ := intParam(req, "offset")
		sessions, err := s.service.ListSessions(ctx, id, limit, offset)
		s.reply(c, req, sessions, err)

	case "session.delete":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		err := s.service.DeleteSession(ctx, id, sessionID)
		s.reply(c, req, map[string]bool{"deleted": err == nil}, err)

	case "session.resume":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		sess, err := s.service.ResumeSession(ctx, id, sessionID)
		s.reply(c, req, sess, err)

	case "session.send":
		sessionID, ok := stringParam(req, "session_id")
		text, ok2 := stringParam(req, "text")
		if !ok || !ok2 {
			c.respondError(req, InvalidParams, "session_id and text are required")
			return
		}
		sess, resp, err := s.service.SendMessage(ctx, id, sessionID, text)
		if err != nil {
			s.reply(c, req, nil, err)
			return
		}
		c.respond(req, map[string]interface{}{
			"response":      resp.Content,
			"message_count": sess.MessageCount,
		})

	case "session.stream":
		s.handleStream(ctx, c, req, id)

	case "session.cancel":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		aborted, err := s.service.Cancel(ctx, id, sessionID)
		s.reply(c, req, map[string]bool{"aborted": aborted}, err)

	case "session.complete":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		err := s.service.CompleteSession(ctx, id, sessionID)
		s.reply(c, req, map[string]bool{"completed": err == nil}, err)

	case "session.fail":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		err := s.service.MarkFailed(ctx, id, sessionID)
		s.reply(c, req, map[string]bool{"failed": err == nil}, err)

	case "session.transcript":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		transcript, err := s.service.Transcript(ctx, id, sessionID)
		s.reply(c, req, transcript, err)

	case "participant.add":
		sessionID, ok := stringParam(req, "session_id")
		userID, ok2 := stringParam(req, "user_id")
		role, ok3 := stringParam(req, "role")
		if !ok || !ok2 || !ok3 {
			c.respondError(req, InvalidParams, "session_id, user_id, and role are required")
			return
		}
		err := s.service.AddParticipant(ctx, id, sessionID, userID, registry.Role(role))
		s.reply(c, req, map[string]bool{"added": err == nil}, err)

	case "participant.remove":
		sessionID, ok := stringParam(req, "session_id")
		userID, ok2 := stringParam(req, "user_id")
		if !ok || !ok2 {
			c.respondError(req, InvalidParams, "session_id and user_id are required")
			return
		}
		err := s.service.RemoveParticipant(ctx, id, sessionID, userID)
		s.reply(c, req, map[string]bool{"removed": err == nil}, err)

	case "participant.role":
		sessionID, ok := stringParam(req, "session_id")
		userID, ok2 := stringParam(req, "user_id")
		role, ok3 := stringParam(req, "role")
		if !ok || !ok2 || !ok3 {
			c.respondError(req, InvalidParams, "session_id, user_id, and role are required")
			return
		}
		err := s.service.UpdateParticipantRole(ctx, id, sessionID, userID, registry.Role(role))
		s.reply(c, req, map[string]bool{"updated": err == nil}, err)

	case "participant.list":
		sessionID, ok := stringParam(req, "session_id")
		if !ok {
			c.respondError(req, InvalidParams, "session_id is required")
			return
		}
		participants, err := s.service.ListParticipants(ctx, id, sessionID)
		s.reply(c, req, participants, err)

	default:
		c.respondError(req, MethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleAuth(ctx context.Context, c *client, req *RPCRequest) {
	credential, ok := stringParam(req, "credential")
	if !ok {
		c.respondError(req, InvalidParams, "credential is required")
		return
	}

	identity, err := s.gate.Authenticate(ctx, credential)
	if err != nil {
		c.respondError(req, AuthenticationRequired, "authentication failed")
		return
	}
	c.identity = &identity

	s.logger.Info().
		Str("client_id", c.id).
		Str("user_id", identity.UserID).
		Str("app_id", identity.AppID).
		Msg("Client authenticated")
	c.respond(req, map[string]string{"user_id": identity.UserID, "app_id": identity.AppID})
}

// handleStream acknowledges the request, then pushes the turn's events as
// sequenced EventMessage frames ending with turn.done or turn.error
func (s *Server) handleStream(ctx context.Context, c *client, req *RPCRequest, id gate.Identity) {
	sessionID, ok := stringParam(req, "session_id")
	text, ok2 := stringParam(req, "text")
	if !ok || !ok2 {
		c.respondError(req, InvalidParams, "session_id and text are required")
		return
	}

	events, err := s.service.StreamMessage(ctx, id, sessionID, text)
	if err != nil {
		s.reply(c, req, nil, err)
		return
	}
	c.respond(req, map[string]bool{"streaming": true})
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("client_id", c.id).Msg("Streaming turn started")

	go func() {
		for ev := range events {
			switch ev.Kind {
			case engine.EventDelta:
				c.pushEvent("turn.delta", sessionID, ev.Delta)
			case engine.EventToolUse:
				c.pushEvent("turn.tool_use", sessionID, ev.Tool)
			case engine.EventResponse:
				if ev.Response != nil {
					c.pushEvent("turn.response", sessionID, ev.Response.Content)
				}
			case engine.EventDone:
				c.pushEvent("turn.done", sessionID, nil)
			case engine.EventError:
				c.pushEvent("turn.error", sessionID, ev.Err)
			}
		}
	}()
}

func (s *Server) reply(c *client, req *RPCRequest, result interface{}, err error) {
	if err != nil {
		c.respondError(req, errorCode(err), err.Error())
		return
	}
	c.respond(req, result)
}

// errorCode maps service errors onto the RPC error space
func errorCode(err error) int {
	switch {
	case errors.Is(err, configstore.ErrNotFound), errors.Is(err, registry.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, registry.ErrAccessDenied), errors.Is(err, registry.ErrLastOwner), errors.Is(err, gate.ErrInvalidCredential):
		return CodeAccessDenied
	case errors.Is(err, registry.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, bundle.ErrAssemblyFailed):
		return CodeAssemblyFailed
	case errors.Is(err, bridge.ErrExecutionTimeout):
		return CodeExecutionTimeout
	case errors.Is(err, bridge.ErrExecutionFailed), errors.Is(err, bridge.ErrStreamCancelled):
		return CodeExecutionFailed
	default:
		return InternalError
	}
}

func stringParam(req *RPCRequest, key string) (string, bool) {
	v, ok := req.Params[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", false
	}
	return str, true
}

func intParam(req *RPCRequest, key string) (int, bool) {
	v, ok := req.Params[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
