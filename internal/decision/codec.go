package decision

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownInstruction is returned when decoding an unrecognized instruction type.
var ErrUnknownInstruction = errors.New("unknown instruction type")

type contextEnvelope struct {
	Phase       Phase           `json:"phase"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Session     Session         `json:"session"`
	StepContext *StepContext    `json:"step_context,omitempty"`
}

// MarshalJSON encodes the payload next to its phase tag.
func (rc RuntimeContext) MarshalJSON() ([]byte, error) {
	env := contextEnvelope{Phase: rc.Phase(), Session: rc.Session, StepContext: rc.StepContext}
	if rc.Payload != nil {
		data, err := json.Marshal(rc.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", rc.Phase(), err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the payload variant selected by the phase tag.
// Unrecognized phases decode to UnknownPayload.
func (rc *RuntimeContext) UnmarshalJSON(data []byte) error {
	var env contextEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Phase, env.Payload)
	if err != nil {
		return err
	}
	*rc = RuntimeContext{Payload: payload, Session: env.Session, StepContext: env.StepContext}
	return nil
}

func decodePayload(phase Phase, raw json.RawMessage) (Payload, error) {
	decode := func(p any) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", phase, err)
		}
		return nil
	}

	switch phase {
	case PhaseInit:
		var p InitPayload
		err := decode(&p)
		return p, err
	case PhaseUserInput:
		var p UserInputPayload
		err := decode(&p)
		return p, err
	case PhaseLLMResult:
		var p LLMResultPayload
		err := decode(&p)
		return p, err
	case PhaseToolResult:
		var p ToolResultPayload
		err := decode(&p)
		return p, err
	case PhaseToolsBatchResult:
		var p ToolsBatchResultPayload
		err := decode(&p)
		return p, err
	case PhaseTaskResult:
		var p TaskResultPayload
		err := decode(&p)
		return p, err
	case PhaseTasksBatchResult:
		var p TasksBatchResultPayload
		err := decode(&p)
		return p, err
	case PhaseCompressionResult:
		var p CompressionResultPayload
		err := decode(&p)
		return p, err
	case PhaseHumanAbort:
		var p HumanAbortPayload
		err := decode(&p)
		return p, err
	case PhaseError:
		var p ErrorPayload
		err := decode(&p)
		return p, err
	default:
		return UnknownPayload{Name: string(phase)}, nil
	}
}

type instructionEnvelope struct {
	Type    InstructionType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalInstructions encodes instructions as tagged envelopes.
func MarshalInstructions(instructions []Instruction) ([]byte, error) {
	out := make([]instructionEnvelope, 0, len(instructions))
	for _, inst := range instructions {
		data, err := json.Marshal(inst)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", inst.Type(), err)
		}
		out = append(out, instructionEnvelope{Type: inst.Type(), Payload: data})
	}
	return json.MarshalIndent(out, "", "  ")
}

// UnmarshalInstructions decodes tagged envelopes produced by MarshalInstructions.
func UnmarshalInstructions(data []byte) ([]Instruction, error) {
	var envs []instructionEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	out := make([]Instruction, 0, len(envs))
	for _, env := range envs {
		inst, err := decodeInstruction(env)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func decodeInstruction(env instructionEnvelope) (Instruction, error) {
	var inst Instruction
	switch env.Type {
	case InstructionCallLLM:
		inst = &CallLLM{}
	case InstructionCallTool:
		inst = &CallTool{}
	case InstructionCallToolsBatch:
		inst = &CallToolsBatch{}
	case InstructionRequestHumanApprove:
		inst = &RequestHumanApprove{}
	case InstructionResolveAbortedTools:
		inst = &ResolveAbortedTools{}
	case InstructionCompressContext:
		inst = &CompressContext{}
	case InstructionExecTask:
		inst = &ExecTask{}
	case InstructionExecTasks:
		inst = &ExecTasks{}
	case InstructionExecClientTask:
		inst = &ExecClientTask{}
	case InstructionExecClientTasks:
		inst = &ExecClientTasks{}
	case InstructionFinish:
		inst = &Finish{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstruction, env.Type)
	}
	if err := json.Unmarshal(env.Payload, inst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return deref(inst), nil
}

func deref(inst Instruction) Instruction {
	switch v := inst.(type) {
	case *CallLLM:
		return *v
	case *CallTool:
		return *v
	case *CallToolsBatch:
		return *v
	case *RequestHumanApprove:
		return *v
	case *ResolveAbortedTools:
		return *v
	case *CompressContext:
		return *v
	case *ExecTask:
		return *v
	case *ExecTasks:
		return *v
	case *ExecClientTask:
		return *v
	case *ExecClientTasks:
		return *v
	case *Finish:
		return *v
	default:
		return inst
	}
}
