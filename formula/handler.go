package formula

import (
	"github.com/gofiber/fiber/v2"

	authnfiber "github.com/keksclan/formulagate/adapters/fiber"
)

const formulaParam = "formula"

type formulaBody struct {
	Formula *string `json:"formula"`
}

func (s *server) processFormula(c *fiber.Ctx) error {
	f, ok := formulaFrom(c)
	if !ok {
		return ErrMissingFormula
	}
	resp, err := s.proc.Process(c.UserContext(), Request{
		Formula: f,
		Caller:  authnfiber.ResultFromLocals(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// formulaFrom reads the formula from the query string, falling back to a
// urlencoded form or JSON body. An empty value counts as present.
func formulaFrom(c *fiber.Ctx) (string, bool) {
	if args := c.Request().URI().QueryArgs(); args.Has(formulaParam) {
		return string(args.Peek(formulaParam)), true
	}
	if args := c.Request().PostArgs(); args.Has(formulaParam) {
		return string(args.Peek(formulaParam)), true
	}
	if c.Is("json") {
		var body formulaBody
		if err := c.BodyParser(&body); err == nil && body.Formula != nil {
			return *body.Formula, true
		}
	}
	return "", false
}
