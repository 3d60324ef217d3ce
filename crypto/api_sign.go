package crypto

// Signature is a tuple containing signature body and reference to signing identity.
type Signature struct {
	// Body of the signature.
	Body []byte
	// Signer identity who produced the signature.
	Signer []byte
}

// Signer encapsulates asymmetric cryptographic schema together with private key management.
// Verification of signatures made by others is a concern of the principal registry.
type Signer interface {
	// ID returns identity of the principal the Signer signs for.
	ID() []byte
	// PubKey returns the key verifying Signatures produced by the Signer.
	PubKey() PubKey
	// Sign produces a cryptographic Signature over the given data with internally managed identity.
	Sign([]byte) (Signature, error)
}
