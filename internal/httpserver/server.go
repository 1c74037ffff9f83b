package httpserver

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/frontdesk/internal/rtc"
	"github.com/chadiek/frontdesk/internal/session"
	"github.com/chadiek/frontdesk/internal/telephony"
)

// Server bundles the echo router and its dependencies.
type Server struct {
	Echo  *echo.Echo
	store *session.Store
	calls *rtc.Handler
}

// New constructs the HTTP server with routes.
func New(store *session.Store, calls *rtc.Handler, tel telephony.Handlers) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	s := &Server{Echo: e, store: store, calls: calls}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/call", s.handleCall)
	e.POST("/sessions", s.createSession)
	e.GET("/sessions/:id", s.getSession)
	e.DELETE("/sessions/:id", s.endSession)
	e.POST("/sessions/:id/reset", s.resetSession)
	tel.Register(e)

	return s
}

// handleCall accepts an SDP offer and replies with the answer. One call maps
// to one session; the session id travels over the call's control channel.
func (s *Server) handleCall(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		log.Printf("invalid offer: %v", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offer"})
	}
	answer, err := s.calls.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("webrtc handle offer failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to handle offer"})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) createSession(c echo.Context) error {
	sess := s.store.Create()
	return c.JSON(http.StatusCreated, map[string]string{"id": sess.ID})
}

type sessionView struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Turns []struct {
		Role        string `json:"role"`
		Text        string `json:"text"`
		Interrupted bool   `json:"interrupted,omitempty"`
	} `json:"turns"`
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	view := sessionView{ID: sess.ID, State: string(sess.State())}
	for _, t := range sess.History() {
		view.Turns = append(view.Turns, struct {
			Role        string `json:"role"`
			Text        string `json:"text"`
			Interrupted bool   `json:"interrupted,omitempty"`
		}{Role: string(t.Role), Text: t.Text, Interrupted: t.Interrupted})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) endSession(c echo.Context) error {
	id := c.Param("id")
	hadCall := s.calls.EndCall(id)
	if err := s.store.End(id); err != nil && !hadCall {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resetSession(c echo.Context) error {
	if err := s.store.Reset(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.NoContent(http.StatusNoContent)
}
