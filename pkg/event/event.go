// Package event defines the signed, immutable wire unit replicated across
// relays. Events are content-addressed: the id is a hash over the canonical
// serialization, and the signature covers the id, so any endpoint can verify
// integrity without reading encrypted content.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/potluck-btc/potluck/pkg/identity"
)

var (
	// ErrInvalidID indicates the id does not match the event content.
	ErrInvalidID = errors.New("event id mismatch")
	// ErrInvalidSignature indicates a signature that does not verify.
	ErrInvalidSignature = errors.New("event signature invalid")
	// ErrMalformed indicates an event that cannot be parsed or is
	// missing required fields.
	ErrMalformed = errors.New("malformed event")
)

// Well-known tag names.
const (
	TagGroup     = "g" // group id
	TagRecipient = "p" // recipient identity pubkey (hex)
	TagProposal  = "e" // PSBT proposal id
	TagInvite    = "i" // invite id
)

// Event is the relay wire unit. Once signed it is immutable; the replicated
// log is append-only and eventually consistent, not totally ordered.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      Kind       `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize produces the canonical preimage for the event id:
// a JSON array [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal([]any{0, e.Pubkey, e.CreatedAt, int(e.Kind), tags, e.Content})
}

// ComputeID returns the hex SHA-256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	data, err := e.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in Pubkey, ID, and Sig from the given keypair. CreatedAt must
// already be set.
func (e *Event) Sign(kp *identity.Keypair) error {
	e.Pubkey = kp.PublicKey().Hex()
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	raw, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	e.Sig = hex.EncodeToString(kp.Sign(raw))
	return nil
}

// Verify checks that the id matches the content and the signature verifies
// under the author pubkey.
func (e *Event) Verify() error {
	if e.ID == "" || e.Pubkey == "" || e.Sig == "" {
		return ErrMalformed
	}
	id, err := e.ComputeID()
	if err != nil {
		return ErrMalformed
	}
	if id != e.ID {
		return ErrInvalidID
	}

	pub, err := identity.DecodePublicKey(e.Pubkey)
	if err != nil {
		return ErrMalformed
	}
	rawID, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrMalformed
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrMalformed
	}
	if !identity.Verify(pub, rawID, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Author returns the decoded author public key.
func (e *Event) Author() (identity.PublicKey, error) {
	return identity.DecodePublicKey(e.Pubkey)
}

// Tag returns the first value of the named tag.
func (e *Event) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// AppendTag adds a tag pair.
func (e *Event) AppendTag(name, value string) {
	e.Tags = append(e.Tags, []string{name, value})
}
