package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CommandType enumerates the runtime commands the control plane accepts
// on the scraping-tasks topic and the admin channel.
type CommandType string

const (
	CommandStart        CommandType = "start"
	CommandStop         CommandType = "stop"
	CommandResetCircuit CommandType = "reset_circuit"
	CommandDrain        CommandType = "drain"
)

// Command is the tagged payload of a control message. Acknowledgement
// is fire-and-forget; results arrive on the event bus.
type Command struct {
	Type    CommandType  `json:"type" validate:"required,oneof=start stop reset_circuit drain"`
	Sources []SourceKind `json:"sources,omitempty" validate:"dive,oneof=metered_api rss government company_page browser_driven"`
	Filters Filters      `json:"filters,omitempty"`
	TaskID  string       `json:"task_id,omitempty"`
	Domain  string       `json:"domain,omitempty"`
}

var commandValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseCommand decodes and validates a command payload. Unknown fields
// are a parse error, never a silent ignore.
func ParseCommand(raw []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("op=domain.ParseCommand: %w: %v", ErrInvalidArgument, err)
	}
	if err := commandValidator.Struct(cmd); err != nil {
		return Command{}, fmt.Errorf("op=domain.ParseCommand: %w: %v", ErrInvalidArgument, err)
	}
	switch cmd.Type {
	case CommandStart:
		if len(cmd.Sources) == 0 {
			return Command{}, fmt.Errorf("op=domain.ParseCommand: %w: start requires sources", ErrInvalidArgument)
		}
	case CommandStop:
		if cmd.TaskID == "" {
			return Command{}, fmt.Errorf("op=domain.ParseCommand: %w: stop requires task_id", ErrInvalidArgument)
		}
	case CommandResetCircuit:
		if cmd.Domain == "" {
			return Command{}, fmt.Errorf("op=domain.ParseCommand: %w: reset_circuit requires domain", ErrInvalidArgument)
		}
	}
	return cmd, nil
}
