// Package session holds a client's authenticated session against the loyalty
// API: the in-memory access/CSRF token pair, an HTTP gateway that attaches
// those tokens and recovers from an expired access token through a single
// refresh-and-retry, a manager that turns the token into a decoded identity,
// and a server-push event channel that reconnects with whatever token is
// current.
//
// The refresh token never passes through this package's memory: it lives in
// an HttpOnly cookie kept by the HTTP client's cookie jar.
package session
