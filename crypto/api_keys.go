package crypto

// PubKey verifies signatures produced by the corresponding PrivKey.
type PubKey interface {
	VerifySignature(msg []byte, sig []byte) bool
	Bytes() []byte
	Equals([]byte) bool
	Type() string
}

// PrivKey produces signatures. It never leaves the principal owning it.
type PrivKey interface {
	Sign(msg []byte) ([]byte, error)
	PubKey() PubKey
	Equals([]byte) bool
	Type() string
}
