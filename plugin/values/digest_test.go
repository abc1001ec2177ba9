package values

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo -n "hello world" | sha256sum
const helloSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestNewDigest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		algo    string
		val     string
		wantErr bool
	}{
		{"ValidSHA256", AlgorithmSHA256, helloSHA256, false},
		{"UppercaseHexNormalized", AlgorithmSHA256, strings.ToUpper(helloSHA256), false},
		{"ValidSHA512", AlgorithmSHA512, strings.Repeat("ab", 64), false},
		{"ValidBLAKE2b", AlgorithmBLAKE2b256, strings.Repeat("0f", 32), false},
		{"InvalidAlgo", "md5", helloSHA256, true},
		{"WrongLength", AlgorithmSHA256, "abc123", true},
		{"NotHex", AlgorithmSHA256, strings.Repeat("zz", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewDigest(tt.algo, tt.val)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.algo, got.Algorithm())
			assert.Equal(t, strings.ToLower(tt.val), got.Value())
		})
	}
}

func TestParseDigest(t *testing.T) {
	t.Parallel()

	d, err := ParseDigest("sha256:" + helloSHA256)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+helloSHA256, d.String())

	for _, bad := range []string{":" + helloSHA256, "sha256" + helloSHA256, "", "sha256:"} {
		_, err := ParseDigest(bad)
		assert.Error(t, err, bad)
	}
}

func TestDigest_Equals(t *testing.T) {
	t.Parallel()

	d1, _ := NewDigest(AlgorithmSHA256, helloSHA256)
	d2, _ := NewDigest(AlgorithmSHA256, strings.ToUpper(helloSHA256))
	d3, _ := ComputeDigest(AlgorithmSHA256, []byte("other"))
	d4, _ := ComputeDigest(AlgorithmBLAKE2b256, []byte("hello world"))

	assert.True(t, d1.Equals(d2))
	assert.False(t, d1.Equals(d3))
	assert.False(t, d1.Equals(d4))
}

func TestComputeDigest(t *testing.T) {
	t.Parallel()

	d, err := ComputeDigest(AlgorithmSHA256, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, d.Value())

	fromReader, err := ComputeDigestReader(AlgorithmSHA256, bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.True(t, d.Equals(fromReader))

	for _, algo := range []string{AlgorithmSHA512, AlgorithmBLAKE2b256} {
		d, err := ComputeDigest(algo, []byte("hello world"))
		require.NoError(t, err)
		again, err := d.Compute([]byte("hello world"))
		require.NoError(t, err)
		assert.True(t, d.Equals(again))
	}

	_, err = ComputeDigest("md5", nil)
	assert.Error(t, err)
}

func TestDigest_TextRoundTrip(t *testing.T) {
	t.Parallel()

	d, _ := ComputeDigest(AlgorithmSHA512, []byte("x"))
	text, err := d.MarshalText()
	require.NoError(t, err)

	var back Digest
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, d.Equals(back))
}
