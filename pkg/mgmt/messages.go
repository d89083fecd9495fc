// Package mgmt implements the management plane: the message envelope codec,
// worker identifiers, tube-backed channels, and the fleet manager.
package mgmt

import (
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/motivemetrics/zerog/lib/isotime"
)

var log = logging.Logger("zerog/mgmt")

// Message types carried on the control and updates tubes.
const (
	MsgTypeJob         = "job"
	MsgTypeInfo        = "info"
	MsgTypeRequestInfo = "requestInfo"
	MsgTypeKillJob     = "killJob"
	MsgTypeDrain       = "drain"
	MsgTypeUndrain     = "undrain"
	MsgTypeRetire      = "retire"
)

// Job message actions.
const (
	ActionStart = "start"
	ActionEnd   = "end"
)

// Msg is any management-plane message.
type Msg interface {
	Type() string
}

// Base carries the fields common to every message.
type Base struct {
	MsgType   string       `json:"msgtype"`
	Timestamp isotime.Time `json:"timestamp"`
}

func (b Base) Type() string { return b.MsgType }

func newBase(msgtype string) Base {
	return Base{MsgType: msgtype, Timestamp: isotime.Now()}
}

// Mem is a memory snapshot: bytes available on the host and bytes resident
// to the worker tree.
type Mem struct {
	Available uint64 `json:"available"`
	Used      uint64 `json:"used"`
}

// JobMsg marks a live job boundary on the updates tube.
type JobMsg struct {
	Base
	WorkerID string `json:"workerId"`
	UUID     string `json:"uuid"`
	Action   string `json:"action"`
}

// InfoMsg is a worker snapshot, sent in reply to a RequestInfoMsg.
type InfoMsg struct {
	Base
	WorkerID string `json:"workerId"`
	State    string `json:"state"`
	UUID     string `json:"uuid"`
	Mem      Mem    `json:"mem"`
	Retiring bool   `json:"retiring"`
}

// RequestInfoMsg asks a worker for an InfoMsg.
type RequestInfoMsg struct {
	Base
}

// KillJobMsg asks a worker to kill uuid, honored only while running it.
type KillJobMsg struct {
	Base
	UUID string `json:"uuid"`
}

// DrainMsg stops a worker from accepting new jobs.
type DrainMsg struct {
	Base
}

// UndrainMsg resumes job acceptance unless the worker is retiring.
type UndrainMsg struct {
	Base
}

// RetireMsg drains and sets the irreversible retiring flag.
type RetireMsg struct {
	Base
}

func NewJobMsg(workerID, uuid, action string) *JobMsg {
	return &JobMsg{Base: newBase(MsgTypeJob), WorkerID: workerID, UUID: uuid, Action: action}
}

func NewInfoMsg(workerID, state, uuid string, mem Mem, retiring bool) *InfoMsg {
	return &InfoMsg{
		Base:     newBase(MsgTypeInfo),
		WorkerID: workerID,
		State:    state,
		UUID:     uuid,
		Mem:      mem,
		Retiring: retiring,
	}
}

func NewRequestInfoMsg() *RequestInfoMsg { return &RequestInfoMsg{Base: newBase(MsgTypeRequestInfo)} }

func NewKillJobMsg(uuid string) *KillJobMsg {
	return &KillJobMsg{Base: newBase(MsgTypeKillJob), UUID: uuid}
}

func NewDrainMsg() *DrainMsg     { return &DrainMsg{Base: newBase(MsgTypeDrain)} }
func NewUndrainMsg() *UndrainMsg { return &UndrainMsg{Base: newBase(MsgTypeUndrain)} }
func NewRetireMsg() *RetireMsg   { return &RetireMsg{Base: newBase(MsgTypeRetire)} }

// DecodeMsg decodes a JSON message body by its msgtype. Unknown types and
// malformed bodies return an error; callers drop those, never abort.
func DecodeMsg(data []byte) (Msg, error) {
	var envelope Base
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	var msg Msg
	switch envelope.MsgType {
	case MsgTypeJob:
		msg = &JobMsg{}
	case MsgTypeInfo:
		msg = &InfoMsg{}
	case MsgTypeRequestInfo:
		msg = &RequestInfoMsg{}
	case MsgTypeKillJob:
		msg = &KillJobMsg{}
	case MsgTypeDrain:
		msg = &DrainMsg{}
	case MsgTypeUndrain:
		msg = &UndrainMsg{}
	case MsgTypeRetire:
		msg = &RetireMsg{}
	default:
		return nil, fmt.Errorf("unknown msgtype %q", envelope.MsgType)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s message: %w", envelope.MsgType, err)
	}
	return msg, nil
}

// EncodeMsg serializes a message for the wire.
func EncodeMsg(msg Msg) ([]byte, error) {
	return json.Marshal(msg)
}
