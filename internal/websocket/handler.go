package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/taskpact/internal/auth"
)

// HandleWebSocket upgrades an authenticated request and streams the acting
// member's family events to it. ?scope=mine limits the feed to events
// addressed to the member.
func HandleWebSocket(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // family devices on the LAN
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		scope := ParseScope(r.URL.Query().Get("scope"))
		logger.Debug("websocket connected", "family_id", actor.FamilyID, "member_id", actor.MemberID, "scope", scope)
		NewClient(hub, conn, actor.FamilyID, actor.MemberID, scope).Run(r.Context())
		logger.Debug("websocket disconnected", "family_id", actor.FamilyID, "member_id", actor.MemberID)
	}
}
