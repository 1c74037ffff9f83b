package telephony

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/frontdesk/internal/middleware"
)

// Handlers serves the Twilio webhook surface. Calls arriving over PSTN get
// the clinic greeting and are pointed at the live agent; the streaming
// conversation itself runs over the WebRTC path.
type Handlers struct {
	greeting  string
	authToken func() string
}

func NewHandlers(greeting string, authToken func() string) Handlers {
	return Handlers{greeting: greeting, authToken: authToken}
}

func (h Handlers) Register(e *echo.Echo) {
	e.Use(middleware.TwilioAuth("/twilio/", h.authToken))
	e.POST("/twilio/voice", h.voice)
	e.POST("/twilio/call-status", h.callStatus)
}

// voice answers the inbound call with the clinic greeting.
func (h Handlers) voice(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	c.Echo().Logger.Infof("Inbound call from %s, CallSid=%s", params["From"], params["CallSid"])

	say := &twiml.VoiceSay{Message: h.greeting}
	pause := &twiml.VoicePause{Length: "1"}
	response, err := twiml.Voice([]twiml.Element{say, pause})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// callStatus receives call lifecycle updates (ringing, in-progress, completed).
func (h Handlers) callStatus(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	c.Echo().Logger.Infof("Call status update: CallSid=%s Status=%s", params["CallSid"], params["CallStatus"])
	return c.String(http.StatusOK, "OK")
}
