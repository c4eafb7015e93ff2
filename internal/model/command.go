package model

import (
	"encoding/json"
	"fmt"
)

// Command types understood by worker nodes.
const (
	CommandModelDeploy   = "model.deploy"
	CommandModelDownload = "model.download"
	CommandModelStop     = "model.stop"
	CommandAgentSetup    = "agent.setup"
	CommandShellExec     = "shell.exec"
	CommandCancel        = "command.cancel"
)

// Resource identifies what a command acts on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Command describes work a worker performs for a step. Data is decoded by
// Payload according to Type.
type Command struct {
	Type     string          `json:"type" validate:"required"`
	Resource Resource        `json:"resource"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// CommandPayload is the typed body of a command.
type CommandPayload interface {
	CommandType() string
}

// ModelDeployPayload asks a node to start serving a model.
type ModelDeployPayload struct {
	ModelName string            `json:"model_name"`
	Version   string            `json:"version,omitempty"`
	Replicas  int               `json:"replicas,omitempty"`
	GPUs      []int             `json:"gpus,omitempty"`
	Port      int               `json:"port,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (ModelDeployPayload) CommandType() string { return CommandModelDeploy }

// ModelDownloadPayload asks a node to fetch model artifacts.
type ModelDownloadPayload struct {
	ModelName string `json:"model_name"`
	SourceURL string `json:"source_url"`
	Checksum  string `json:"checksum,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
}

func (ModelDownloadPayload) CommandType() string { return CommandModelDownload }

// ModelStopPayload asks a node to stop serving a model.
type ModelStopPayload struct {
	ModelName string `json:"model_name"`
}

func (ModelStopPayload) CommandType() string { return CommandModelStop }

// AgentSetupPayload asks a node to provision an agent runtime.
type AgentSetupPayload struct {
	AgentID string            `json:"agent_id"`
	Image   string            `json:"image,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
}

func (AgentSetupPayload) CommandType() string { return CommandAgentSetup }

// ShellExecPayload runs a process on the node.
type ShellExecPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

func (ShellExecPayload) CommandType() string { return CommandShellExec }

// CancelPayload asks a node to abandon a previously dispatched command.
type CancelPayload struct {
	OriginalMessageID string `json:"originalMessageId,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (CancelPayload) CommandType() string { return CommandCancel }

// GenericPayload carries the data of command types with no typed payload.
type GenericPayload struct {
	Type   string
	Fields map[string]any
}

func (g GenericPayload) CommandType() string { return g.Type }

// NewCommand builds a command from a typed payload.
func NewCommand(resource Resource, p CommandPayload) (*Command, error) {
	var data []byte
	var err error
	if g, ok := p.(GenericPayload); ok {
		data, err = json.Marshal(g.Fields)
	} else {
		data, err = json.Marshal(p)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.CommandType(), err)
	}
	return &Command{Type: p.CommandType(), Resource: resource, Data: data}, nil
}

// Payload decodes Data according to Type. Unknown types decode into a
// GenericPayload.
func (c *Command) Payload() (CommandPayload, error) {
	var p CommandPayload
	switch c.Type {
	case CommandModelDeploy:
		p = &ModelDeployPayload{}
	case CommandModelDownload:
		p = &ModelDownloadPayload{}
	case CommandModelStop:
		p = &ModelStopPayload{}
	case CommandAgentSetup:
		p = &AgentSetupPayload{}
	case CommandShellExec:
		p = &ShellExecPayload{}
	case CommandCancel:
		p = &CancelPayload{}
	default:
		g := GenericPayload{Type: c.Type}
		if len(c.Data) > 0 {
			if err := json.Unmarshal(c.Data, &g.Fields); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", c.Type, err)
			}
		}
		return g, nil
	}
	if len(c.Data) > 0 {
		if err := json.Unmarshal(c.Data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", c.Type, err)
		}
	}
	return p, nil
}

// CommandMetadata is the correlation data attached to a dispatched command.
type CommandMetadata struct {
	Priority    string `json:"priority,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	StepIndex   *int   `json:"stepIndex,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
}

// StepResult is a worker-reported outcome for a dispatched step.
type StepResult struct {
	MessageID         string          `json:"message_id,omitempty"`
	OriginalMessageID string          `json:"original_message_id,omitempty"`
	NodeID            string          `json:"node_id,omitempty"`
	Success           bool            `json:"success"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *ExecutionError `json:"error,omitempty"`
	Progress          *int            `json:"progress,omitempty"`
}
