package llm

import (
	"errors"
	"fmt"
)

// GatewayError reports a model backend that was unreachable, refused
// the request, or returned a completion that could not be decoded. The
// orchestrator treats it as "no decision this cycle".
type GatewayError struct {
	Provider string
	Model    string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("llm %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("llm %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsGatewayError reports whether err is or wraps a *GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// gatewayError wraps err unless it already is a GatewayError.
func gatewayError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return err
	}
	return &GatewayError{Provider: provider, Model: model, Err: err}
}
