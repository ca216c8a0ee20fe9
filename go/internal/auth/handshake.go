package auth

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// ProtocolName is the application subprotocol. It is never treated as a token.
const ProtocolName = "timer.v1"

// TokenFromRequest extracts the handshake credential.
//
// Browsers cannot set headers on a WebSocket upgrade, so clients send the
// token as a Sec-WebSocket-Protocol entry next to ProtocolName.
// A "token" query parameter is accepted for non-browser clients.
func TokenFromRequest(r *http.Request) string {
	for _, p := range websocket.Subprotocols(r) {
		if p != ProtocolName && p != "" {
			return p
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// SelectSubprotocol returns ProtocolName when the client offered it, else "".
// Only ProtocolName is ever echoed so the token never appears in a response
// header. Browsers abort a handshake whose offered protocols get no echo, so
// browser clients must offer ProtocolName next to the token.
func SelectSubprotocol(r *http.Request) string {
	for _, p := range websocket.Subprotocols(r) {
		if p == ProtocolName {
			return ProtocolName
		}
	}
	return ""
}
