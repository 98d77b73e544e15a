package ocpp

import (
	"fmt"

	"github.com/WoCha-FR/ocpp-proxy-alert/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// Message is the decoded head of an OCPP-J frame. The payload is kept as
// the raw frame bytes; the proxy routes frames verbatim and never rebuilds
// them.
type Message struct {
	Type     CallType
	UniqueId string
	Raw      []byte
}

// Parse decodes the [type, id, ...] head of an OCPP-J array. Anything that
// is not a JSON array of at least two elements with an integer call type in
// {2,3,4} and a string unique id is rejected.
func Parse(data []byte) (*Message, error) {
	fields, err := utility.ParseJson(data)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, utility.Err("incompatible message structure; expected at least 2 elements")
	}
	rawTypeId, ok := fields[0].(float64)
	if !ok || rawTypeId != float64(int(rawTypeId)) {
		return nil, utility.Err("invalid message type id")
	}
	typeId := CallType(rawTypeId)
	if typeId != CallTypeRequest && typeId != CallTypeResult && typeId != CallTypeError {
		return nil, utility.Err(fmt.Sprintf("unsupported message type id: %v", int(rawTypeId)))
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id")
	}
	message := Message{
		Type:     typeId,
		UniqueId: uniqueId,
		Raw:      data,
	}
	return &message, nil
}

// Call is a fully decoded CALL frame, used by the notifier to inspect
// selected actions. The routing path never needs it.
type Call struct {
	Message
	Action  string
	Payload interface{}
}

func ParseCall(data []byte) (*Call, error) {
	fields, err := utility.ParseJson(data)
	if err != nil {
		return nil, err
	}
	if len(fields) != 4 {
		return nil, utility.Err("unsupported request format; expected length: 4 elements")
	}
	message, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if message.Type != CallTypeRequest {
		return nil, utility.Err(fmt.Sprintf("invalid request type id: %v", message.Type))
	}
	action, ok := fields[2].(string)
	if !ok {
		return nil, utility.Err("invalid action in request")
	}
	call := Call{
		Message: *message,
		Action:  action,
		Payload: fields[3],
	}
	return &call, nil
}
