package registry

import (
	"errors"
	"fmt"

	"github.com/zeusync/replication/internal/core/models"
)

var (
	// ErrInvalidFnsID means the id was never issued by this registry.
	ErrInvalidFnsID = errors.New("invalid replication function id")
	// ErrUnknownSchema means no replication functions exist for the schema.
	ErrUnknownSchema = errors.New("schema is not registered for replication")
)

// DecodeError reports a payload the codec could not decode. It indicates a
// protocol desync and is recoverable at the message boundary.
type DecodeError struct {
	Info   FnsInfo
	Entity models.EntityID
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("apply %s to entity %d: %v", e.Info, e.Entity, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
