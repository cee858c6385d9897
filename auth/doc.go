// Package auth carries the caller's capabilities from the edge to the
// interior services.
//
// The gateway verifies the signed access token once per request and
// re-expresses its claims as x-user-* headers. Interior services rebuild a
// Context from those headers and check permissions against it without
// seeing the token. In assertion mode the gateway also attaches a short-lived
// token signed with a key only the gateway and the interior services hold,
// and interior services trust its claims instead of the raw headers.
//
// Role levels and permissions come from a single policy artifact that every
// service loads; see DefaultPolicy.
package auth
