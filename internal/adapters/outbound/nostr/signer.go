// Package nostr provides the signing and relay transport adapters for block
// notifications: NIP-01 event ids with BIP-340 Schnorr signatures, published
// to relays over websockets.
package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

// Compile-time check that Signer implements outbound.EventSigner
var _ outbound.EventSigner = (*Signer)(nil)

// ErrInvalidEvent is returned by Verify for events whose id or signature do not check out.
var ErrInvalidEvent = errors.New("invalid event")

// Signer signs events with a fixed secp256k1 key.
type Signer struct {
	secretKey string
	publicKey string
}

// NewSigner parses a 32-byte hex secret key.
func NewSigner(secretKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}

	priv, pub := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, errors.New("secret key is zero modulo the curve order")
	}

	return &Signer{
		secretKey: secretKeyHex,
		publicKey: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// PublicKey returns the hex x-only public key.
func (s *Signer) PublicKey() string {
	return s.publicKey
}

// Sign returns payload with PubKey, ID and Sig set. The ID is the sha256 of
// the canonical serialization, so it depends only on payload and key.
func (s *Signer) Sign(payload entity.Event) (entity.Event, error) {
	evt := toWire(payload)
	evt.PubKey = s.publicKey
	if err := evt.Sign(s.secretKey); err != nil {
		return entity.Event{}, fmt.Errorf("signing event: %w", err)
	}
	return fromWire(evt), nil
}

// Verify checks event's id and signature.
func (s *Signer) Verify(event entity.Event) error {
	return VerifyEvent(event)
}

// VerifyEvent checks that event.ID is the hash of its payload and that Sig is
// a valid signature by event.PubKey.
func VerifyEvent(event entity.Event) error {
	evt := toWire(event)
	if id := evt.GetID(); id != event.ID {
		return fmt.Errorf("%w: id %s does not match payload hash %s", ErrInvalidEvent, truncateID(event.ID), truncateID(id))
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !ok {
		return fmt.Errorf("%w: bad signature on %s", ErrInvalidEvent, truncateID(event.ID))
	}
	return nil
}
