package tunables

import "fmt"

// SchemaError indicates a malformed tunable definition. Fatal at load time.
type SchemaError struct {
	Tunable string
	Reason  string
}

func (e SchemaError) Error() string {
	if e.Tunable == "" {
		return fmt.Sprintf("invalid tunable schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid tunable schema for %s: %s", e.Tunable, e.Reason)
}

// ValueError indicates an assignment outside the tunable's domain.
type ValueError struct {
	Tunable string
	Value   any
	Reason  string
}

func (e ValueError) Error() string {
	return fmt.Sprintf("invalid value %v for tunable %s: %s", e.Value, e.Tunable, e.Reason)
}

// DecodeError indicates a vector/schema mismatch during decoding.
type DecodeError struct {
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode vector: %s", e.Reason)
}
