// Package realtime serves authenticated WebSocket sessions grouped into
// identity rooms, and relays playback control events between the sessions
// of one identity.
//
// A session is admitted only after its token verifies; it then joins the
// room named by the token's id claim. A play or pause event from one session
// is delivered to every other session in the same room and never to the
// sender or to other rooms:
//
//	verifier, _ := auth.NewJWTVerifier(secret, 24*time.Hour)
//	gateway := realtime.NewGateway(verifier, realtime.WithAllowedOrigins(frontendURL))
//	router.Handle("/ws", gateway)
//
// Frames are JSON envelopes:
//
//	{"event":"play","data":{"musicId":"42"}}
//	{"event":"pause"}
//
// Rejected frames are answered to the sender with an error event.
package realtime
