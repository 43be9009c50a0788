// Package api hosts the HTTP handlers of the file repository service.
//
// Handlers parse and validate request parameters, delegate to an injected
// files.Service and map its errors onto status codes. Middleware from
// internal/server (request ids, logging, metrics, CORS, rate limiting) is
// assumed to wrap the routes returned by Handler.Routes.
package api
