package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// Forwarded attribute headers set by the gateway.
const (
	HeaderUserID          = "x-user-id"
	HeaderUserEmail       = "x-user-email"
	HeaderUserRole        = "x-user-role"
	HeaderUserRoleLevel   = "x-user-role-level"
	HeaderUserPermissions = "x-user-permissions"
	HeaderUserAssertion   = "x-user-assertion"

	forwardedPrefix = "x-user-"
)

// Mode selects how interior services trust forwarded attributes.
type Mode string

const (
	// ModeHeaders trusts the plain x-user-* headers. The interior network
	// must be unreachable except through the gateway.
	ModeHeaders Mode = "headers"
	// ModeAssertion additionally requires a gateway-signed assertion.
	ModeAssertion Mode = "assertion"
)

// ParseMode accepts "headers" or "assertion".
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeHeaders:
		return ModeHeaders, true
	case ModeAssertion:
		return ModeAssertion, true
	}
	return "", false
}

// stripForwarded removes any client-supplied x-user-* header.
func stripForwarded(h http.Header) {
	for key := range h {
		if strings.HasPrefix(strings.ToLower(key), forwardedPrefix) {
			h.Del(key)
		}
	}
}

// setForwarded writes c as forwarded attributes.
func setForwarded(h http.Header, c Context) error {
	level := c.RoleLevel
	if level == 0 {
		level = DefaultRoleLevel
	}
	perms := c.Permissions
	if perms == nil {
		perms = []string{}
	}
	encoded, err := jsoncodec.Marshal(perms)
	if err != nil {
		return err
	}

	h.Set(HeaderUserID, c.SubjectID)
	h.Set(HeaderUserEmail, c.Email)
	h.Set(HeaderUserRole, string(c.Role))
	h.Set(HeaderUserRoleLevel, strconv.Itoa(level))
	h.Set(HeaderUserPermissions, string(encoded))
	return nil
}

// readForwarded rebuilds a context from forwarded attributes.
func readForwarded(h http.Header) (Context, error) {
	id := h.Get(HeaderUserID)
	email := h.Get(HeaderUserEmail)
	role := h.Get(HeaderUserRole)
	level := h.Get(HeaderUserRoleLevel)
	perms := h.Get(HeaderUserPermissions)

	if id == "" || email == "" || role == "" || level == "" || perms == "" {
		return Context{}, ErrAuthenticationRequired
	}

	c := Context{SubjectID: id, Email: email, Role: Role(role)}

	var err error
	if c.RoleLevel, err = strconv.Atoi(level); err != nil {
		return Context{}, ErrInvalidAuthData
	}
	if err := jsoncodec.Unmarshal([]byte(perms), &c.Permissions); err != nil {
		return Context{}, ErrInvalidAuthData
	}
	return c, nil
}
