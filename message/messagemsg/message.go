// Package messagemsg provides capnp accessors for the Message struct described in message.capnp.
package messagemsg

import (
	"capnproto.org/go/capnp/v3"
)

const (
	signerPtr uint16 = iota
	payloadPtr
	predecessorsPtr
	signaturePtr
	labelPtr
)

var messageSize = capnp.ObjectSize{DataSize: 0, PointerCount: 5}

type Message capnp.Struct

func NewRootMessage(s *capnp.Segment) (Message, error) {
	st, err := capnp.NewRootStruct(s, messageSize)
	return Message(st), err
}

func ReadRootMessage(msg *capnp.Message) (Message, error) {
	root, err := msg.Root()
	return Message(root.Struct()), err
}

func (m Message) Signer() ([]byte, error) {
	p, err := capnp.Struct(m).Ptr(signerPtr)
	return p.Data(), err
}

func (m Message) SetSigner(v []byte) error {
	return capnp.Struct(m).SetData(signerPtr, v)
}

func (m Message) Payload() ([]byte, error) {
	p, err := capnp.Struct(m).Ptr(payloadPtr)
	return p.Data(), err
}

func (m Message) SetPayload(v []byte) error {
	return capnp.Struct(m).SetData(payloadPtr, v)
}

func (m Message) Predecessors() (capnp.DataList, error) {
	p, err := capnp.Struct(m).Ptr(predecessorsPtr)
	return capnp.DataList(p.List()), err
}

func (m Message) NewPredecessors(n int32) (capnp.DataList, error) {
	l, err := capnp.NewDataList(capnp.Struct(m).Segment(), n)
	if err != nil {
		return capnp.DataList{}, err
	}
	err = capnp.Struct(m).SetPtr(predecessorsPtr, l.ToPtr())
	return l, err
}

func (m Message) Signature() ([]byte, error) {
	p, err := capnp.Struct(m).Ptr(signaturePtr)
	return p.Data(), err
}

func (m Message) SetSignature(v []byte) error {
	return capnp.Struct(m).SetData(signaturePtr, v)
}

func (m Message) Label() (string, error) {
	p, err := capnp.Struct(m).Ptr(labelPtr)
	return p.Text(), err
}

func (m Message) SetLabel(v string) error {
	return capnp.Struct(m).SetText(labelPtr, v)
}
