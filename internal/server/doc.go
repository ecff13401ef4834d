// Package server assembles the HTTP surface: hardening headers and CORS,
// request ids and logging, metrics, compression, the body ceiling, sessions,
// application routes and the route-miss handler, applied in that order.
//
// Route handlers return errors instead of writing failure responses. The
// Dispatcher turns every returned error, and every recovered panic, into
// exactly one JSON response and one log line.
package server
