package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"schoolbus-tracker/internal/session"
)

const sessionKey = "session"

// authenticate verifies the bearer token and recovers the driver identity
// before any handler sees the session.
func (s *Server) authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get(fiber.HeaderAuthorization)
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			return errMissingToken
		}
		sess, err := s.Signer.Parse(strings.TrimSpace(token))
		if err != nil {
			return err
		}
		sess, err = session.Recover(c.UserContext(), sess, s.Directory)
		if err != nil {
			return err
		}
		c.Locals(sessionKey, sess)
		c.SetUserContext(session.NewContext(c.UserContext(), sess))
		return c.Next()
	}
}

// authorize applies the role policy to the requested path.
func (s *Server) authorize() fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess := sessionOf(c)
		allowed, err := s.authz.Allowed(string(sess.Role), c.Path(), c.Method())
		if err != nil {
			return err
		}
		if !allowed {
			return errForbidden
		}
		return c.Next()
	}
}

func sessionOf(c *fiber.Ctx) session.Session {
	sess, _ := c.Locals(sessionKey).(session.Session)
	return sess
}
