// Package auth authenticates command producers on the relay's HTTP API.
//
// # Scope
//
// Only producers are authenticated. Agent session tokens are routing keys,
// not credentials, and the agent listener never consults this package.
//
// # Tokens
//
// Producers present HS256 JWTs signed with auth.jwt_secret:
//
//	Authorization: Bearer <token>
//
// Tokens must carry "sub" (the producer name), "exp", and iss set to
// Issuer. Operators mint them with:
//
//	relay-gateway token --sub checkout-service --ttl 720h
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token and stores an AuthContext in the
// request context. Handlers read it with FromContext or SubjectFromContext.
// When no secret is configured the gateway does not install the middleware.
package auth
