package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the neutral frame transports encode and decode
type Envelope struct {
	ID            string            `json:"id"`
	Operation     string            `json:"operation,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	OneWay        bool              `json:"oneWay,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Fault         *FaultDetail      `json:"fault,omitempty"`
}

// FaultDetail is the serialisable form of a fault
type FaultDetail struct {
	Mode   FaultMode `json:"mode"`
	Code   string    `json:"code,omitempty"`
	Reason string    `json:"reason"`
}

// NewEnvelope captures the transport-relevant parts of msg
func NewEnvelope(msg *Message) *Envelope {
	replyTo, _ := msg.GetString(PropReplyTo)
	env := &Envelope{
		ID:            msg.ID(),
		Operation:     msg.Operation(),
		CorrelationID: msg.CorrelationID(),
		ReplyTo:       replyTo,
		Timestamp:     time.Now().UTC(),
		Headers:       msg.Headers(),
		Payload:       msg.Payload(),
	}
	if ex := msg.Exchange(); ex != nil && ex.OneWay() {
		env.OneWay = true
	}
	if msg.GetBool(PropOneWay) {
		env.OneWay = true
	}
	if fault := msg.Fault(); fault != nil {
		env.Fault = NewFaultDetail(fault)
	}
	return env
}

// ToMessage builds a fresh inbound message from the envelope
func (e *Envelope) ToMessage() *Message {
	msg := NewMessageWithID(e.ID)
	if e.Operation != "" {
		msg.Set(PropOperation, e.Operation)
	}
	if e.CorrelationID != "" {
		msg.SetCorrelationID(e.CorrelationID)
	}
	if e.ReplyTo != "" {
		msg.Set(PropReplyTo, e.ReplyTo)
	}
	for k, v := range e.Headers {
		msg.SetHeader(k, v)
	}
	if e.Payload != nil {
		msg.SetPayload(e.Payload)
	}
	if e.OneWay {
		msg.Set(PropOneWay, true)
	}
	if e.Fault != nil {
		msg.SetFault(e.Fault.Err())
	}
	msg.Set(PropInbound, true)
	return msg
}

// Encode serialises the envelope to JSON
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a JSON envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// NewFaultDetail captures err for the wire
func NewFaultDetail(err error) *FaultDetail {
	detail := &FaultDetail{Mode: FaultModeOf(err), Reason: err.Error()}
	var pf *ProtocolFault
	if errors.As(err, &pf) {
		detail.Code = pf.Code
		detail.Reason = pf.Reason
	}
	return detail
}

// Err rebuilds a fault value from the detail
func (d *FaultDetail) Err() error {
	switch d.Mode {
	case FaultModeProtocol:
		return NewProtocolFault(d.Code, d.Reason)
	default:
		return &RuntimeFault{Err: errors.New(d.Reason)}
	}
}
