// Package exchangemsg provides capnp accessors for the structs described in exchange.capnp.
package exchangemsg

import (
	"capnproto.org/go/capnp/v3"
)

var (
	requestSize  = capnp.ObjectSize{DataSize: 0, PointerCount: 1}
	responseSize = capnp.ObjectSize{DataSize: 0, PointerCount: 2}
	bindingSize  = capnp.ObjectSize{DataSize: 0, PointerCount: 2}
)

const (
	messagesPtr uint16 = iota
	labelsPtr
)

const (
	labelPtr uint16 = iota
	digestPtr
)

type Request capnp.Struct

func NewRootRequest(s *capnp.Segment) (Request, error) {
	st, err := capnp.NewRootStruct(s, requestSize)
	return Request(st), err
}

func ReadRootRequest(msg *capnp.Message) (Request, error) {
	root, err := msg.Root()
	return Request(root.Struct()), err
}

func (r Request) Known() (capnp.DataList, error) {
	return dataList(capnp.Struct(r), 0)
}

func (r Request) NewKnown(n int32) (capnp.DataList, error) {
	return newDataList(capnp.Struct(r), 0, n)
}

type Response capnp.Struct

func NewRootResponse(s *capnp.Segment) (Response, error) {
	st, err := capnp.NewRootStruct(s, responseSize)
	return Response(st), err
}

func ReadRootResponse(msg *capnp.Message) (Response, error) {
	root, err := msg.Root()
	return Response(root.Struct()), err
}

func (r Response) Messages() (capnp.DataList, error) {
	return dataList(capnp.Struct(r), messagesPtr)
}

func (r Response) NewMessages(n int32) (capnp.DataList, error) {
	return newDataList(capnp.Struct(r), messagesPtr, n)
}

func (r Response) Labels() (BindingList, error) {
	p, err := capnp.Struct(r).Ptr(labelsPtr)
	return BindingList(p.List()), err
}

func (r Response) NewLabels(n int32) (BindingList, error) {
	st := capnp.Struct(r)
	l, err := capnp.NewCompositeList(st.Segment(), bindingSize, n)
	if err != nil {
		return BindingList{}, err
	}
	err = st.SetPtr(labelsPtr, l.ToPtr())
	return BindingList(l), err
}

type Binding capnp.Struct

func (b Binding) Label() (string, error) {
	p, err := capnp.Struct(b).Ptr(labelPtr)
	return p.Text(), err
}

func (b Binding) SetLabel(v string) error {
	return capnp.Struct(b).SetText(labelPtr, v)
}

func (b Binding) Digest() ([]byte, error) {
	p, err := capnp.Struct(b).Ptr(digestPtr)
	return p.Data(), err
}

func (b Binding) SetDigest(v []byte) error {
	return capnp.Struct(b).SetData(digestPtr, v)
}

type BindingList capnp.List

func (l BindingList) Len() int {
	return capnp.List(l).Len()
}

func (l BindingList) At(i int) Binding {
	return Binding(capnp.List(l).Struct(i))
}

func dataList(st capnp.Struct, ptr uint16) (capnp.DataList, error) {
	p, err := st.Ptr(ptr)
	return capnp.DataList(p.List()), err
}

func newDataList(st capnp.Struct, ptr uint16, n int32) (capnp.DataList, error) {
	l, err := capnp.NewDataList(st.Segment(), n)
	if err != nil {
		return capnp.DataList{}, err
	}
	err = st.SetPtr(ptr, l.ToPtr())
	return l, err
}
