package provision

import "fmt"

// Provisioning steps, used in errors, metrics and the failure ledger.
const (
	StepTokens            = "tokens"
	StepCreateApplication = "create_application"
	StepAddPassword       = "add_password"
	StepPutBotService     = "put_bot_service"
	StepDeleteApplication = "delete_application"
	StepListBotServices   = "list_bot_services"
)

// Upstream services.
const (
	ServiceGraph = "graph"
	ServiceARM   = "arm"
)

// UpstreamError is a non-2xx response from Graph or ARM. Body is the raw
// upstream response and is surfaced to the caller unchanged.
type UpstreamError struct {
	Service string
	Step    string
	Status  int
	Body    string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Service, e.Step, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%d): %s", e.Service, e.Step, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
