// Package server assembles the middleware chain shared by the repository,
// gateway and event hub binaries.
//
// Every request passes through request-id tagging, request logging, metrics,
// security headers, CORS and rate limiting before it reaches the routes. The
// response wrapper keeps http.Flusher and http.Hijacker available so relayed
// streams and websocket upgrades work unchanged behind the chain.
package server
