package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/pipeline"
)

// wsReply is one frame written back to the client. Exactly one of Outcome
// or Error is set.
type wsReply struct {
	Status  int               `json:"status"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
	Error   *ErrorResponse    `json:"error,omitempty"`
}

// handleWebSocket streams snapshots for one wallet. Each text frame is a
// snapshot and gets one reply frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wallet, err := pipeline.NormalizeWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}

	// Sockets outlive the server's read/write timeouts.
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug("websocket read deadline not cleared", zap.Error(err))
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("websocket write deadline not cleared", zap.Error(err))
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.opts.CORSOrigins}
	if len(s.opts.CORSOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("wallet", wallet), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.opts.MaxBodyBytes)

	requestID := middleware.GetReqID(r.Context())
	log := s.logger.With(zap.String("wallet", wallet), zap.String("request_id", requestID))
	log.Info("websocket connected")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
				log.Info("websocket closed", zap.Int("status", int(status)))
			case ctx.Err() != nil:
			default:
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.writeFrame(r, conn, wsError(http.StatusBadRequest,
				NewError(ErrTypeInvalidBody, "expected a text frame").WithRequestID(requestID)))
			continue
		}

		var snap gameplay.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.writeFrame(r, conn, wsError(http.StatusBadRequest,
				NewError(ErrTypeValidation, "Validation failed: invalid JSON").
					WithRequestID(requestID).WithCause(err)))
			continue
		}
		if strings.TrimSpace(snap.CurrentGameState) == "" {
			s.writeFrame(r, conn, wsError(http.StatusBadRequest,
				NewError(ErrTypeValidation, "Validation failed: currentGameState is required").
					WithRequestID(requestID).WithContext("field", "currentGameState")))
			continue
		}

		out, err := s.endpoint.Ingest(ctx, wallet, snap)
		if err != nil {
			status, errType, message := Classify(err)
			log.Warn("websocket ingest failed", zap.String("type", errType), zap.Error(err))
			s.writeFrame(r, conn, wsError(status,
				NewError(errType, message).WithRequestID(requestID).WithCause(err)))
			continue
		}
		s.writeFrame(r, conn, wsReply{Status: http.StatusOK, Outcome: &out})
	}
}

func wsError(status int, b *ErrorBuilder) wsReply {
	resp := b.Build()
	return wsReply{Status: status, Error: &resp}
}

func (s *Server) writeFrame(r *http.Request, conn *websocket.Conn, reply wsReply) {
	if err := wsjson.Write(r.Context(), conn, reply); err != nil {
		s.logger.Warn("websocket write failed", zap.Error(err))
	}
}
