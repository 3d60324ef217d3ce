// Package announcemsg provides capnp accessors for the Announcement struct described in announce.capnp.
package announcemsg

import (
	"capnproto.org/go/capnp/v3"
)

const (
	originPtr uint16 = iota
	headsPtr
)

var announcementSize = capnp.ObjectSize{DataSize: 0, PointerCount: 2}

type Announcement capnp.Struct

func NewRootAnnouncement(s *capnp.Segment) (Announcement, error) {
	st, err := capnp.NewRootStruct(s, announcementSize)
	return Announcement(st), err
}

func ReadRootAnnouncement(msg *capnp.Message) (Announcement, error) {
	root, err := msg.Root()
	return Announcement(root.Struct()), err
}

func (a Announcement) Origin() ([]byte, error) {
	p, err := capnp.Struct(a).Ptr(originPtr)
	return p.Data(), err
}

func (a Announcement) SetOrigin(v []byte) error {
	return capnp.Struct(a).SetData(originPtr, v)
}

func (a Announcement) Heads() (capnp.DataList, error) {
	p, err := capnp.Struct(a).Ptr(headsPtr)
	return capnp.DataList(p.List()), err
}

func (a Announcement) NewHeads(n int32) (capnp.DataList, error) {
	l, err := capnp.NewDataList(capnp.Struct(a).Segment(), n)
	if err != nil {
		return capnp.DataList{}, err
	}
	err = capnp.Struct(a).SetPtr(headsPtr, l.ToPtr())
	return l, err
}
