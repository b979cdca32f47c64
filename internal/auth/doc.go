// ABOUTME: Package documentation for authentication.
// ABOUTME: JWT verification and the HTTP bearer middleware.

// Package auth verifies HS256-signed JWTs on API requests. The middleware
// rejects anything without a valid bearer token and exposes the token's
// subject as the caller ID on the request context.
package auth
