// Package proof decodes coprocessor proof envelopes and gates their use on
// verification. Nothing in a Proof is trusted until Attest has returned a
// Verified value for it.
package proof

import (
	"encoding/base64"
	"fmt"
)

// Proof is the coprocessor transport envelope. Both fields are standard,
// padded base64.
type Proof struct {
	Proof  string `json:"proof"`
	Inputs string `json:"inputs"`
}

// DecodeError reports which envelope field failed to decode.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding proof field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var encoding = base64.StdEncoding.Strict()

// Decode returns the raw proof bytes and raw public-input bytes, in that
// order. It does not interpret either. On any error both slices are nil.
func Decode(p Proof) ([]byte, []byte, error) {
	proofBytes, err := decodeField("proof", p.Proof)
	if err != nil {
		return nil, nil, err
	}
	inputBytes, err := decodeField("inputs", p.Inputs)
	if err != nil {
		return nil, nil, err
	}
	return proofBytes, inputBytes, nil
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, &DecodeError{Field: name, Err: fmt.Errorf("empty field")}
	}
	out, err := encoding.DecodeString(value)
	if err != nil {
		return nil, &DecodeError{Field: name, Err: err}
	}
	if len(out) == 0 {
		return nil, &DecodeError{Field: name, Err: fmt.Errorf("no bytes after decoding")}
	}
	return out, nil
}

// Encode builds an envelope from raw bytes.
func Encode(proofBytes, inputBytes []byte) Proof {
	return Proof{
		Proof:  encoding.EncodeToString(proofBytes),
		Inputs: encoding.EncodeToString(inputBytes),
	}
}
