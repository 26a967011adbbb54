package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/middleware"
	"github.com/medscan-diagnosis-server/internal/service"
)

const (
	streamWriteWait = 10 * time.Second
	streamReadWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamStart is the first text frame of a pipeline stream
type streamStart struct {
	Filename string `json:"filename"`
	Subtype  string `json:"subtype,omitempty"`
}

// streamMessage is every frame the server sends
type streamMessage struct {
	Type      string                  `json:"type"`
	Stage     string                  `json:"stage,omitempty"`
	Result    *domain.DiagnosisResult `json:"result,omitempty"`
	Report    *domain.PipelineReport  `json:"report,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Code      string                  `json:"code,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
}

// handlePipelineStream runs the chained pipeline over a websocket. The client
// sends {filename, subtype?} as text, then the payload as one binary frame.
// Each completed stage is pushed as it finishes, followed by the report.
func (s *Server) handlePipelineStream(c *gin.Context) {
	requestID := middleware.RequestID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, http.Header{middleware.HeaderRequestID: {requestID}})
	if err != nil {
		s.deps.Logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.deps.Logger.WithField("request_id", requestID)

	limit := s.cfg.Server.MaxUploadBytes
	if limit <= 0 {
		limit = service.DefaultMaxUploadBytes
	}
	conn.SetReadLimit(limit + 4096)

	send := func(msg streamMessage) {
		msg.RequestID = requestID
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.WithError(err).Debug("Websocket write failed")
		}
	}
	fail := func(err error) {
		msg := streamMessage{Type: "error", Error: err.Error(), Code: domain.CodeOf(err)}
		var pe *domain.PipelineError
		if errors.As(err, &pe) {
			msg.Error = pe.Message
		}
		send(msg)
	}

	start, payload, err := readStream(conn)
	if err != nil {
		fail(err)
		return
	}

	report, err := s.runPipeline(c, start.Filename, bytes.NewReader(payload), start.Subtype, func(e domain.StageEvent) {
		send(streamMessage{Type: e.Type, Stage: e.Stage, Result: e.Result})
	})
	if err != nil {
		fail(err)
		return
	}
	send(streamMessage{Type: "report", Report: report})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(streamWriteWait))
	logger.WithFields(logrus.Fields{"stage_reached": report.StageReached}).Debug("Pipeline stream finished")
}

// readStream reads the start frame and the payload frame
func readStream(conn *websocket.Conn) (*streamStart, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, domain.NewNoInputError()
	}
	if kind != websocket.TextMessage {
		return nil, nil, domain.NewMissingParameterError("filename")
	}
	var start streamStart
	if err := json.Unmarshal(data, &start); err != nil {
		return nil, nil, domain.NewInvalidInputError("malformed start frame", err)
	}
	if start.Filename == "" {
		return nil, nil, domain.NewMissingParameterError("filename")
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	kind, payload, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage {
		return nil, nil, domain.NewNoInputError()
	}
	return &start, payload, nil
}
