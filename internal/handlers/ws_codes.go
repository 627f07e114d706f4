// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used within the lobby and matchmaking
// handlers. These provide more specific reasons for closure than the
// standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided auth token was invalid or expired.
	InvalidUserIDError    = 3002 // User ID derived from token was malformed or invalid.
	InvalidLobbyError     = 3003 // Target lobby named in the WS URL does not exist.
	BannedFromLobbyError  = 3004 // User is banned from the target lobby.
)
