// Package api provides the HTTP surface of the MIDAS services: the
// authoring API over the project services, the external-review callback
// endpoints, and the public identifier resolver, all routed through echo
// with JWT bearer authentication.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"midas.oar.dev/prov"
)

// JWTConfig configures bearer-token authentication.  Only HS256 against a
// shared secret is supported.
type JWTConfig struct {
	Key               string `mapstructure:"key"`
	Algorithm         string `mapstructure:"algorithm"`
	RequireExpiration bool   `mapstructure:"require_expiration"`

	// LegacyAuthKey, when set, maps the X-Auth-Key header onto a fixed
	// service identity for old API flavours.
	LegacyAuthKey  string `mapstructure:"legacy_auth_key"`
	LegacyIdentity string `mapstructure:"legacy_identity"`
}

// Validate checks the configuration at startup.
func (c *JWTConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("jwt_auth: key is required")
	}
	if c.Algorithm != "" && c.Algorithm != "HS256" {
		return fmt.Errorf("jwt_auth: unsupported algorithm %q (only HS256)", c.Algorithm)
	}
	return nil
}

const agentContextKey = "midas-agent"

// AgentFrom returns the authenticated agent attached to the request, or an
// anonymous invalid agent if authentication has not run.
func AgentFrom(c echo.Context) *prov.Agent {
	if agent, ok := c.Get(agentContextKey).(*prov.Agent); ok {
		return agent
	}
	return prov.NewAgent("midas", prov.AgentInvalid, "")
}

// AuthMiddleware builds the echo middleware chain entry that authenticates
// requests and attaches a prov.Agent to the context.
func AuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtmw := echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(cfg.Key),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token").SetInternal(err)
		},
		SuccessHandler: func(c echo.Context) {
			token, ok := c.Get("user").(*jwt.Token)
			if !ok {
				c.Set(agentContextKey, prov.NewAgent("midas", prov.AgentInvalid, ""))
				return
			}
			c.Set(agentContextKey, agentFromToken(token, cfg))
		},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		jwtNext := jwtmw(next)
		return func(c echo.Context) error {
			if cfg.LegacyAuthKey != "" {
				if key := c.Request().Header.Get("X-Auth-Key"); key != "" {
					if key != cfg.LegacyAuthKey {
						return echo.NewHTTPError(http.StatusUnauthorized, "invalid auth key")
					}
					identity := cfg.LegacyIdentity
					if identity == "" {
						identity = "legacy-service"
					}
					c.Set(agentContextKey, prov.NewAgent("midas", prov.AgentAdmin, identity))
					return next(c)
				}
			}
			return jwtNext(c)
		}
	}
}

// agentFromToken derives an Agent from the token's claims: the subject
// becomes the actor, a "userGroup"/"groups" claim contributes group
// memberships, an "agentClass" claim sets the class (defaulting to
// public), and an "onBehalfOf" claim contributes a delegation chain.
func agentFromToken(token *jwt.Token, cfg JWTConfig) *prov.Agent {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return prov.NewAgent("midas", prov.AgentInvalid, "")
	}
	if cfg.RequireExpiration {
		if _, hasExp := claims["exp"]; !hasExp {
			return prov.NewAgent("midas", prov.AgentInvalid, "")
		}
	}
	actor, _ := claims["sub"].(string)
	if actor == "" {
		return prov.NewAgent("midas", prov.AgentInvalid, "")
	}
	class := prov.AgentPublic
	if ac, ok := claims["agentClass"].(string); ok && ac != "" {
		class = ac
	}

	var delegation []string
	if obo, ok := claims["onBehalfOf"].(string); ok && obo != "" {
		delegation = strings.Split(obo, ",")
	}
	agent := prov.NewAgent("midas", class, actor, delegation...)

	switch groups := claims["groups"].(type) {
	case []interface{}:
		for _, g := range groups {
			if s, ok := g.(string); ok {
				agent.AddGroup(s)
			}
		}
	case string:
		agent.AddGroup(strings.Split(groups, ",")...)
	}
	if ug, ok := claims["userGroup"].(string); ok {
		agent.AddGroup(ug)
	}
	if email, ok := claims["userEmail"].(string); ok {
		agent.SetProperty("email", email)
	}
	return agent
}
