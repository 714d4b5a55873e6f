package websocket

import (
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/haulscan/internal/auth"
)

// HandleWebSocket upgrades an identified request and streams entitlement
// change notifications for its principal until the connection closes.
func HandleWebSocket(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.Principal(r.Context())
		if p.IsZero() {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		// The server write timeout would otherwise cut long-lived sockets.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		_ = rc.SetReadDeadline(time.Time{})

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			// Mobile clients send no Origin header.
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		err = NewClient(hub, conn, p).Run(r.Context())
		logger.Debug("websocket closed", "principal", p.String(), "reason", err)
	}
}
