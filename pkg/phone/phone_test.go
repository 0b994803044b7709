package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"canonical", "254712345678", "254712345678", false},
		{"plus prefix", "+254712345678", "254712345678", false},
		{"leading zero", "0712345678", "254712345678", false},
		{"bare nine digits", "712345678", "254712345678", false},
		{"spaces and hyphens", "+254 712-345-678", "254712345678", false},
		{"landline style 1xx", "0112345678", "254112345678", false},
		{"empty", "", "", true},
		{"just plus", "+", "", true},
		{"too short", "07123", "", true},
		{"bad operator prefix", "254912345678", "", true},
		{"letters", "07abc45678", "", true},
		{"foreign country code", "14155552671", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"0712345678", "+254712345678", "712345678", "254112345678"}
	for _, in := range inputs {
		once, err := Normalize(in)
		assert.NoError(t, err)
		twice, err := Normalize(once)
		assert.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestIsValidMatchesNormalize(t *testing.T) {
	inputs := []string{"0712345678", "garbage", "", "254712345678", "9912345678"}
	for _, in := range inputs {
		_, err := Normalize(in)
		assert.Equal(t, err == nil, IsValid(in), "input %q", in)
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "254712***678", Mask("254712345678"))
	assert.Equal(t, "***", Mask("short"))
}
