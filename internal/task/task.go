// Package task defines the task envelope exchanged between the hub and processors.
package task

// Command is the value of hub.command on an envelope.
type Command string

const (
	CommandRegister Command = "register"
	CommandStart    Command = "start"
	CommandUpdate   Command = "update"
	CommandError    Command = "error"
	CommandPartial  Command = "partial"
	CommandSync     Command = "sync"
	CommandPing     Command = "ping"
	CommandPong     Command = "pong"
)

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	switch c {
	case CommandRegister, CommandStart, CommandUpdate, CommandError,
		CommandPartial, CommandSync, CommandPing, CommandPong:
		return true
	}
	return false
}

// Transitions reports whether c mutates the canonical snapshot and therefore
// traverses the coprocessor chain.
func (c Command) Transitions() bool {
	switch c {
	case CommandStart, CommandUpdate, CommandError:
		return true
	}
	return false
}

// Task is the typed view of an envelope. Payload fields that belong to task
// definitions stay untyped.
type Task struct {
	InstanceID   string                   `json:"instanceId,omitempty"`
	ID           string                   `json:"id,omitempty"`
	FamilyID     string                   `json:"familyId,omitempty"`
	UserID       string                   `json:"userId,omitempty"`
	GroupID      string                   `json:"groupId,omitempty"`
	State        *State                   `json:"state,omitempty"`
	Output       map[string]any           `json:"output,omitempty"`
	Input        map[string]any           `json:"input,omitempty"`
	Config       map[string]any           `json:"config,omitempty"`
	Error        any                      `json:"error,omitempty"`
	Environments []string                 `json:"environments,omitempty"`
	Meta         *Meta                    `json:"meta,omitempty"`
	Hub          *Hub                     `json:"hub,omitempty"`
	Processor    *ProcessorView           `json:"processor,omitempty"`
	Processors   map[string]ProcessorView `json:"processors,omitempty"`
	User         map[string]any           `json:"user,omitempty"`
	Users        map[string]any           `json:"users,omitempty"`
}

// State is the task-definition specific state.
type State struct {
	Current string `json:"current,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Meta carries the causal chain and integrity data of a snapshot.
type Meta struct {
	MessageID      string `json:"messageId,omitempty"`
	PrevMessageID  string `json:"prevMessageId,omitempty"`
	PrevInstanceID string `json:"prevInstanceId,omitempty"`
	Hash           string `json:"hash,omitempty"`
	Locked         bool   `json:"locked,omitempty"`
	MessageCount   int64  `json:"messageCount,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Hub holds routing state owned by the hub.
//
// CoProcessorPosition is always encoded, as null when the envelope is not in
// the coprocessor chain.
type Hub struct {
	Command               Command        `json:"command"`
	CommandArgs           map[string]any `json:"commandArgs,omitempty"`
	CommandDescription    string         `json:"commandDescription,omitempty"`
	SourceProcessorID     string         `json:"sourceProcessorId,omitempty"`
	InitiatingProcessorID string         `json:"initiatingProcessorId,omitempty"`
	CoProcessing          bool           `json:"coProcessing"`
	CoProcessorPosition   *int           `json:"coProcessorPosition"`
	CoProcessingDone      bool           `json:"coProcessingDone"`
}

// Arg returns a command argument.
func (h Hub) Arg(name string) any {
	if h.CommandArgs == nil {
		return nil
	}
	return h.CommandArgs[name]
}

// StringArg returns a command argument when it is a string.
func (h Hub) StringArg(name string) string {
	s, _ := h.Arg(name).(string)
	return s
}

// BoolArg returns a command argument when it is a bool.
func (h Hub) BoolArg(name string) bool {
	b, _ := h.Arg(name).(bool)
	return b
}

// ProcessorView is the per-processor customization of an envelope. On
// inbound traffic it identifies the sender; on outbound traffic it is the
// recipient's own entry from processors.
type ProcessorView struct {
	ID                    string         `json:"id"`
	Environment           string         `json:"environment,omitempty"`
	IsCoProcessor         bool           `json:"isCoProcessor,omitempty"`
	Command               *Command       `json:"command"`
	CommandArgs           map[string]any `json:"commandArgs"`
	SourceProcessorID     string         `json:"sourceProcessorId,omitempty"`
	InitiatingProcessorID string         `json:"initiatingProcessorId,omitempty"`
	CoProcessing          *bool          `json:"coProcessing,omitempty"`
	CoProcessorPosition   *int           `json:"coProcessorPosition,omitempty"`
	CoProcessingDone      *bool          `json:"coProcessingDone,omitempty"`
}

// Message is the unit sent over a processor connection.
type Message struct {
	Task Doc `json:"task"`
}
