package events

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream serves an account's events over a websocket.
type Stream struct {
	bus      *Bus
	origin   string
	upgrader websocket.Upgrader
}

func NewStream(bus *Bus, origin string) *Stream {
	s := &Stream{bus: bus, origin: origin}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.allowOrigin}
	return s
}

func (s *Stream) allowOrigin(r *http.Request) bool {
	if s.origin == "" || s.origin == "*" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), s.origin)
}

// Handler expects the auth middleware to have set "account_id".
func (s *Stream) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString("account_id")
		if accountID == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		logger := log.With().Str("component", "event_stream").Str("account_id", accountID).Logger()
		logger.Debug().Msg("stream opened")

		ch := s.bus.Subscribe()
		defer s.bus.Unsubscribe(ch)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.AccountID != accountID {
					continue
				}
				if err := conn.WriteJSON(evt); err != nil {
					logger.Debug().Err(err).Msg("stream write failed")
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-done:
				logger.Debug().Msg("stream closed")
				return
			}
		}
	}
}
