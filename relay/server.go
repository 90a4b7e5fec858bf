package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// Server is the relay itself: a rendezvous and mailbox for ceremony
// sessions. It stores only ciphertext bodies and party names; session keys
// never reach it.
type Server struct {
	port   int64
	store  SessionStore
	logger *logrus.Logger
	e      *echo.Echo
}

func NewServer(port int64, store SessionStore) *Server {
	s := &Server{
		port:   port,
		store:  store,
		logger: logrus.WithField("service", "relay-server").Logger,
	}

	e := echo.New()
	e.Logger.SetLevel(log.DEBUG)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(middleware.CORS())

	e.GET("/ping", s.Ping)
	e.POST("/start/:sessionID", s.StartSession)
	e.GET("/start/:sessionID", s.GetStartedSession)
	e.POST("/complete/:sessionID", s.CompleteSession)
	e.GET("/complete/:sessionID", s.GetCompletedSession)
	e.POST("/complete/:sessionID/keysign", s.MarkKeysignComplete)
	e.GET("/complete/:sessionID/keysign", s.GetKeysignComplete)
	e.POST("/message/:sessionID", s.PostMessage)
	e.GET("/message/:sessionID/:participantKey", s.GetMessages)
	e.DELETE("/message/:sessionID/:participantKey/:hash", s.DeleteMessage)
	e.POST("/setup-message/:sessionID", s.PostSetupMessage)
	e.GET("/setup-message/:sessionID", s.GetSetupMessage)
	e.POST("/:sessionID", s.RegisterSession)
	e.GET("/:sessionID", s.GetSession)
	e.DELETE("/:sessionID", s.EndSession)

	s.e = e
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.e
}

func (s *Server) StartServer() error {
	return s.e.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Relay is running")
}

func (s *Server) RegisterSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	var parties []string
	if err := c.Bind(&parties); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.AppendParties(c.Request().Context(), sessionID, parties); err != nil {
		s.logger.Errorf("fail to register session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) GetSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	parties, err := s.store.Parties(c.Request().Context(), sessionID)
	if err != nil {
		s.logger.Errorf("fail to get session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, parties)
}

func (s *Server) EndSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.DropSession(c.Request().Context(), sessionID); err != nil {
		s.logger.Errorf("fail to end session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) StartSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	var parties []string
	if err := c.Bind(&parties); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if len(parties) == 0 {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.SetStarted(c.Request().Context(), sessionID, parties); err != nil {
		s.logger.Errorf("fail to start session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) GetStartedSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	parties, err := s.store.Started(c.Request().Context(), sessionID)
	if err != nil {
		s.logger.Errorf("fail to get started session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, parties)
}

func (s *Server) CompleteSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	var parties []string
	if err := c.Bind(&parties); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.AppendCompleted(c.Request().Context(), sessionID, parties); err != nil {
		s.logger.Errorf("fail to complete session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) GetCompletedSession(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	parties, err := s.store.Completed(c.Request().Context(), sessionID)
	if err != nil {
		s.logger.Errorf("fail to get completed session: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, parties)
}

func (s *Server) MarkKeysignComplete(c echo.Context) error {
	sessionID := c.Param("sessionID")
	messageID := c.Request().Header.Get("message_id")
	if sessionID == "" || messageID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	body, err := readBody(c)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.SetKeysignResult(c.Request().Context(), sessionID, messageID, body); err != nil {
		s.logger.Errorf("fail to mark keysign complete: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) GetKeysignComplete(c echo.Context) error {
	sessionID := c.Param("sessionID")
	messageID := c.Request().Header.Get("message_id")
	if sessionID == "" || messageID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	payload, err := s.store.KeysignResult(c.Request().Context(), sessionID, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		s.logger.Errorf("fail to get keysign result: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(payload))
}

func (s *Server) PostMessage(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	messageID := c.Request().Header.Get("message_id")
	var msg Message
	if err := c.Bind(&msg); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.From == "" || len(msg.To) == 0 || msg.Body == "" || msg.Hash == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	ctx := c.Request().Context()
	for _, recipient := range msg.To {
		if recipient == msg.From {
			continue
		}
		if err := s.store.PushMessage(ctx, sessionID, recipient, messageID, msg); err != nil {
			s.logger.Errorf("fail to store message: %v", err)
			return c.NoContent(http.StatusInternalServerError)
		}
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) GetMessages(c echo.Context) error {
	sessionID := c.Param("sessionID")
	participantKey := c.Param("participantKey")
	if sessionID == "" || participantKey == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	messageID := c.Request().Header.Get("message_id")
	messages, err := s.store.Messages(c.Request().Context(), sessionID, participantKey, messageID)
	if err != nil {
		s.logger.Errorf("fail to get messages: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) DeleteMessage(c echo.Context) error {
	sessionID := c.Param("sessionID")
	participantKey := c.Param("participantKey")
	hash := c.Param("hash")
	if sessionID == "" || participantKey == "" || hash == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	messageID := c.Request().Header.Get("message_id")
	if err := s.store.DeleteMessage(c.Request().Context(), sessionID, participantKey, messageID, hash); err != nil {
		s.logger.Errorf("fail to delete message: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) PostSetupMessage(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	messageID := c.Request().Header.Get("message_id")
	body, err := readBody(c)
	if err != nil || body == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.SetSetupMessage(c.Request().Context(), sessionID, messageID, body); err != nil {
		s.logger.Errorf("fail to store setup message: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) GetSetupMessage(c echo.Context) error {
	sessionID := c.Param("sessionID")
	if sessionID == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	messageID := c.Request().Header.Get("message_id")
	payload, err := s.store.SetupMessage(c.Request().Context(), sessionID, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		s.logger.Errorf("fail to get setup message: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.String(http.StatusOK, payload)
}

func readBody(c echo.Context) (string, error) {
	buf, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
