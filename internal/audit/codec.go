package audit

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical entry always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// Overflow entries keep full timestamp precision.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes an entry deterministically.
func Marshal(e Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func Unmarshal(data []byte, e *Entry) error {
	return decMode.Unmarshal(data, e)
}

// NewEncoder returns a deterministic stream encoder for the overflow queue.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// idFields is the identity of an entry. Two entries that agree on these
// fields within the same second are the same decision being re-appended.
type idFields struct {
	IdentityID     string    `cbor:"1,keyasint"`
	TargetTenantID string    `cbor:"2,keyasint"`
	Operation      Operation `cbor:"3,keyasint"`
	EntityKind     string    `cbor:"4,keyasint"`
	Second         int64     `cbor:"5,keyasint"`
	Source         Source    `cbor:"6,keyasint"`
}

// ComputeID derives the content identifier of an entry: the blake3 digest
// of its deterministic CBOR identity fields.
func ComputeID(e Entry) (string, error) {
	data, err := encMode.Marshal(idFields{
		IdentityID:     e.IdentityID,
		TargetTenantID: e.TargetTenantID,
		Operation:      e.Operation,
		EntityKind:     e.EntityKind,
		Second:         e.Timestamp.UTC().Truncate(time.Second).Unix(),
		Source:         e.Source,
	})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
