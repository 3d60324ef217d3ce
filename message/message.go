// Package message implements signed, content-addressed units of causal history.
//
// A Message carries a payload and commits to the digests of the messages it causally follows.
// The signature covers the signer, the payload and the predecessors. The digest additionally
// covers the signature, so it binds everything except the label, which is a lookup convenience.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"capnproto.org/go/capnp/v3"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto"
	"github.com/iykyk-syn/bec/message/messagemsg"
)

// ErrInvalidSignature is returned by Verify when the signature does not match the message content.
var ErrInvalidSignature = errors.New("invalid signature")

// Message is an immutable signed unit of history.
type Message struct {
	signer    bec.PrincipalID
	payload   []byte
	preds     []Digest // canonical: sorted and unique
	signature []byte
	label     string

	digest Digest
}

// New creates a Message following the given predecessors and signs it with the signer.
// Predecessors are canonicalized, so their order and repetitions do not matter.
func New(preds []Digest, payload []byte, label string, signer crypto.Signer) (*Message, error) {
	m := &Message{
		signer:  bec.PrincipalID(signer.ID()),
		payload: bytes.Clone(payload),
		preds:   SortDigests(preds),
		label:   label,
	}
	if m.signer == "" {
		return nil, errors.New("signer without identity")
	}

	data, err := m.encode(signedFields)
	if err != nil {
		return nil, fmt.Errorf("encoding data to sign: %w", err)
	}

	sig, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	// the signed bytes name the signer, so the signature must be attributed to it
	if bec.PrincipalID(sig.Signer) != m.signer {
		return nil, fmt.Errorf("signature attributed to %q instead of %q", sig.Signer, m.signer)
	}
	m.signature = sig.Body

	if err = m.computeDigest(); err != nil {
		return nil, err
	}
	return m, nil
}

var root = func() *Message {
	m := &Message{}
	if err := m.computeDigest(); err != nil {
		panic(err)
	}
	return m
}()

// Root returns the synthetic root message: no payload, no predecessors and no signature.
// It is identical for every replica, so histories grown from it share their ancestry.
func Root() *Message {
	return root
}

// Digest returns the canonical hash of (signer, payload, predecessors, signature).
func (m *Message) Digest() Digest {
	return m.digest
}

// Signer returns the principal who created the message.
func (m *Message) Signer() bec.PrincipalID {
	return m.signer
}

// Payload returns the application value carried by the message. It must not be modified.
func (m *Message) Payload() []byte {
	return m.payload
}

// Predecessors returns sorted digests of messages this message causally follows.
// It must not be modified.
func (m *Message) Predecessors() []Digest {
	return m.preds
}

func (m *Message) Signature() []byte {
	return m.signature
}

func (m *Message) Label() string {
	return m.label
}

// WithLabel returns a copy of the message with the given label.
// The label is neither signed nor hashed, so the copy has the same digest.
func (m *Message) WithLabel(label string) *Message {
	cp := *m
	cp.label = label
	return &cp
}

// IsRoot reports whether the message has no predecessors.
func (m *Message) IsRoot() bool {
	return len(m.preds) == 0
}

// IsSyntheticRoot reports whether the message is the one returned by Root.
func (m *Message) IsSyntheticRoot() bool {
	return m.digest == root.digest
}

// IsSuccessorOf reports whether the message declares the given digest as its predecessor.
func (m *Message) IsSuccessorOf(d Digest) bool {
	_, ok := slices.BinarySearchFunc(m.preds, d, Digest.Compare)
	return ok
}

// IsPredecessorOf reports whether the other message declares this message as its predecessor.
func (m *Message) IsPredecessorOf(other *Message) bool {
	return other.IsSuccessorOf(m.digest)
}

// Verify checks the signature against the given key of the signer.
// It does not check whether predecessors exist, which is a repository concern.
func (m *Message) Verify(key crypto.PubKey) error {
	if m.IsSyntheticRoot() {
		return nil
	}
	if len(m.signature) == 0 {
		return fmt.Errorf("%w: message(%s) is unsigned", ErrInvalidSignature, m.digest)
	}

	data, err := m.encode(signedFields)
	if err != nil {
		return fmt.Errorf("encoding signed data: %w", err)
	}

	if !key.VerifySignature(data, m.signature) {
		return fmt.Errorf("%w: message(%s) by principal(%s)", ErrInvalidSignature, m.digest, m.signer)
	}
	return nil
}

func (m *Message) String() string {
	if m.label != "" {
		return fmt.Sprintf("%s(%s)", m.label, m.digest)
	}
	return m.digest.String()
}

// MarshalBinary serializes the message including its label.
func (m *Message) MarshalBinary() ([]byte, error) {
	return m.encode(allFields)
}

// UnmarshalBinary deserializes the message and recomputes its digest.
func (m *Message) UnmarshalBinary(data []byte) error {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return err
	}

	mm, err := messagemsg.ReadRootMessage(msg)
	if err != nil {
		return fmt.Errorf("converting received binary data to message: %w", err)
	}

	signer, err := mm.Signer()
	if err != nil {
		return err
	}
	payload, err := mm.Payload()
	if err != nil {
		return err
	}
	signature, err := mm.Signature()
	if err != nil {
		return err
	}
	label, err := mm.Label()
	if err != nil {
		return err
	}

	predList, err := mm.Predecessors()
	if err != nil {
		return err
	}
	preds := make([]Digest, predList.Len())
	for i := range preds {
		data, err := predList.At(i)
		if err != nil {
			return err
		}
		preds[i], err = DigestFromBytes(data)
		if err != nil {
			return fmt.Errorf("predecessor(%d): %w", i, err)
		}
	}

	// capnp buffers are reused by the arena, so copy everything out of it
	*m = Message{
		signer:    bec.PrincipalID(signer),
		payload:   bytes.Clone(payload),
		preds:     SortDigests(preds),
		signature: bytes.Clone(signature),
		label:     label,
	}
	return m.computeDigest()
}

func (m *Message) computeDigest() error {
	data, err := m.encode(digestFields)
	if err != nil {
		return fmt.Errorf("encoding data to hash: %w", err)
	}
	m.digest = Sum(data)
	return nil
}

type fieldSet int

const (
	// signedFields are covered by the signature.
	signedFields fieldSet = iota
	// digestFields are covered by the digest.
	digestFields
	// allFields travel over the wire.
	allFields
)

// encode produces canonical capnp encoding of the given set of fields.
// Fields are always set in the same order and empty ones are left null,
// so equal messages always encode into equal bytes.
func (m *Message) encode(fields fieldSet) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("creating a segment for capnp: %w", err)
	}

	mm, err := messagemsg.NewRootMessage(seg)
	if err != nil {
		return nil, fmt.Errorf("converting segment to message: %w", err)
	}

	if m.signer != "" {
		if err = mm.SetSigner(m.signer.Bytes()); err != nil {
			return nil, err
		}
	}
	if len(m.payload) > 0 {
		if err = mm.SetPayload(m.payload); err != nil {
			return nil, err
		}
	}
	if len(m.preds) > 0 {
		list, err := mm.NewPredecessors(int32(len(m.preds)))
		if err != nil {
			return nil, err
		}
		for i, pred := range m.preds {
			if err = list.Set(i, pred.Bytes()); err != nil {
				return nil, err
			}
		}
	}
	if fields >= digestFields && len(m.signature) > 0 {
		if err = mm.SetSignature(m.signature); err != nil {
			return nil, err
		}
	}
	if fields >= allFields && m.label != "" {
		if err = mm.SetLabel(m.label); err != nil {
			return nil, err
		}
	}

	return msg.Marshal()
}
