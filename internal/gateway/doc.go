// Package gateway fronts the model backends. Multipart requests carrying a
// prompt plus image and audio parts are parsed, checked against a routing
// Policy, rebuilt and relayed to the backend, and the backend response is
// streamed back chunk by chunk with transport headers removed.
package gateway
