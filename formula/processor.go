package formula

import (
	"context"

	"github.com/keksclan/formulagate/authn"
)

// Acknowledgement is the result returned for every accepted formula.
const Acknowledgement = "Formula processed"

// Request is an authenticated formula submission.
type Request struct {
	Formula string
	// Caller is the introspection result of the presenting token.
	Caller *authn.Result
}

// Response is rendered as the JSON body of a successful request.
type Response struct {
	Result string `json:"result"`
}

// Processor handles authenticated formulas.
type Processor interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// Acknowledger accepts any formula without interpreting it.
type Acknowledger struct{}

func (Acknowledger) Process(context.Context, Request) (Response, error) {
	return Response{Result: Acknowledgement}, nil
}
