package proof

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownEnvelope(t *testing.T) {
	proofBytes, inputs, err := Decode(Proof{Proof: "cHJvb2Y=", Inputs: "aW5wdXRz"})
	require.NoError(t, err)
	assert.Equal(t, []byte("proof"), proofBytes)
	assert.Equal(t, []byte("inputs"), inputs)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		in    Proof
		field string
	}{
		{"proof not base64", Proof{Proof: "not base64!", Inputs: "aW5wdXRz"}, "proof"},
		{"inputs not base64", Proof{Proof: "cHJvb2Y=", Inputs: "@@@@"}, "inputs"},
		{"proof truncated", Proof{Proof: "cHJvb2Y", Inputs: "aW5wdXRz"}, "proof"},
		{"inputs url alphabet", Proof{Proof: "cHJvb2Y=", Inputs: "-_-_"}, "inputs"},
		{"proof empty", Proof{Proof: "", Inputs: "aW5wdXRz"}, "proof"},
		{"inputs empty", Proof{Proof: "cHJvb2Y=", Inputs: ""}, "inputs"},
		{"only line breaks", Proof{Proof: "\r\n", Inputs: "aW5wdXRz"}, "proof"},
		{"non-zero padding bits", Proof{Proof: "cHJvb2Z=", Inputs: "aW5wdXRz"}, "proof"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proofBytes, inputs, err := Decode(tt.in)
			var derr *DecodeError
			require.True(t, errors.As(err, &derr), "got %v", err)
			assert.Equal(t, tt.field, derr.Field)
			assert.Nil(t, proofBytes)
			assert.Nil(t, inputs)
		})
	}
}

func TestDecodeProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("invalid characters always fail closed", prop.ForAll(
		func(s string) bool {
			p, in, err := Decode(Proof{Proof: "cHJvb2Y=", Inputs: s})
			var derr *DecodeError
			return errors.As(err, &derr) && p == nil && in == nil
		},
		gen.AnyString().Map(func(s string) string { return s + "*" }),
	))

	properties.Property("encode then decode is identity", prop.ForAll(
		func(a, b []byte) bool {
			p, in, err := Decode(Encode(a, b))
			return err == nil && string(p) == string(a) && string(in) == string(b)
		},
		gen.SliceOf(gen.UInt8()).SuchThat(func(v []byte) bool { return len(v) > 0 }),
		gen.SliceOf(gen.UInt8()).SuchThat(func(v []byte) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}
