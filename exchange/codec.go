package exchange

import (
	"fmt"
	"slices"

	"capnproto.org/go/capnp/v3"

	"github.com/iykyk-syn/bec/exchange/exchangemsg"
	"github.com/iykyk-syn/bec/message"
)

func marshalRequest(known []message.Digest) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("creating a segment for capnp: %w", err)
	}

	req, err := exchangemsg.NewRootRequest(seg)
	if err != nil {
		return nil, err
	}

	list, err := req.NewKnown(int32(len(known)))
	if err != nil {
		return nil, err
	}
	for i, d := range known {
		if err = list.Set(i, d.Bytes()); err != nil {
			return nil, err
		}
	}
	return msg.Marshal()
}

func unmarshalRequest(data []byte) ([]message.Digest, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	req, err := exchangemsg.ReadRootRequest(msg)
	if err != nil {
		return nil, fmt.Errorf("converting received binary data to request: %w", err)
	}

	list, err := req.Known()
	if err != nil {
		return nil, err
	}

	known := make([]message.Digest, list.Len())
	for i := range known {
		data, err := list.At(i)
		if err != nil {
			return nil, err
		}
		known[i], err = message.DigestFromBytes(data)
		if err != nil {
			return nil, err
		}
	}
	return known, nil
}

func marshalResponse(msgs []*message.Message, labels map[string]message.Digest) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("creating a segment for capnp: %w", err)
	}

	resp, err := exchangemsg.NewRootResponse(seg)
	if err != nil {
		return nil, err
	}

	list, err := resp.NewMessages(int32(len(msgs)))
	if err != nil {
		return nil, err
	}
	for i, m := range msgs {
		data, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshalling message(%s): %w", m.Digest(), err)
		}
		if err = list.Set(i, data); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(labels))
	for label := range labels {
		names = append(names, label)
	}
	slices.Sort(names)

	bindings, err := resp.NewLabels(int32(len(names)))
	if err != nil {
		return nil, err
	}
	for i, label := range names {
		d := labels[label]
		if err = bindings.At(i).SetLabel(label); err != nil {
			return nil, err
		}
		if err = bindings.At(i).SetDigest(d.Bytes()); err != nil {
			return nil, err
		}
	}
	return msg.Marshal()
}

func unmarshalResponse(data []byte) ([]*message.Message, map[string]message.Digest, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}

	resp, err := exchangemsg.ReadRootResponse(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("converting received binary data to response: %w", err)
	}

	list, err := resp.Messages()
	if err != nil {
		return nil, nil, err
	}

	msgs := make([]*message.Message, list.Len())
	for i := range msgs {
		data, err := list.At(i)
		if err != nil {
			return nil, nil, err
		}

		msgs[i] = &message.Message{}
		if err = msgs[i].UnmarshalBinary(data); err != nil {
			return nil, nil, fmt.Errorf("unmarshalling message(%d): %w", i, err)
		}
	}

	bindings, err := resp.Labels()
	if err != nil {
		return nil, nil, err
	}

	labels := make(map[string]message.Digest, bindings.Len())
	for i := 0; i < bindings.Len(); i++ {
		label, err := bindings.At(i).Label()
		if err != nil {
			return nil, nil, err
		}
		if label == "" {
			return nil, nil, fmt.Errorf("empty label in binding(%d)", i)
		}
		if _, ok := labels[label]; ok {
			return nil, nil, fmt.Errorf("label %q bound twice", label)
		}

		data, err := bindings.At(i).Digest()
		if err != nil {
			return nil, nil, err
		}
		labels[label], err = message.DigestFromBytes(data)
		if err != nil {
			return nil, nil, fmt.Errorf("binding of label %q: %w", label, err)
		}
	}
	return msgs, labels, nil
}
