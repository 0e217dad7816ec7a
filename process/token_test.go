package process

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/network"
	"github.com/najoast/snipc/shm"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Run("Pipe", func(t *testing.T) {
		tok := Token{
			Type:      core.ComponentPlugin,
			Requester: core.Address{Manager: 1, Component: 42, Channel: 3},
			Manager:   7,
			Transport: network.TransportPipe,
			ReadFD:    3,
			WriteFD:   4,
		}
		text := tok.Encode()
		assert.Equal(t, "2,1,42,3,7,3,4", text)

		decoded, err := DecodeToken(text)
		require.NoError(t, err)
		assert.Equal(t, tok, decoded)
	})

	t.Run("Ring", func(t *testing.T) {
		id := shm.Identifier{Prefix: shm.DefaultPrefix, Tag: shm.PlatformTag, Key: shm.RandomKey()}
		tok := Token{
			Type:      core.ComponentTest,
			Requester: core.Address{Manager: 1},
			Manager:   2,
			Transport: network.TransportRing,
			ReadFD:    -1,
			WriteFD:   -1,
			Segment:   id,
		}
		text := tok.Encode()
		assert.Equal(t, "1,1,0,0,2,shm,"+id.String(), text)

		decoded, err := DecodeToken(text)
		require.NoError(t, err)
		assert.Equal(t, tok, decoded)
	})
}

func TestDecodeTokenRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"Empty", "", ""},
		{"TooFewFields", "0,1,0,0,2,3", ""},
		{"TooManyFields", "0,1,0,0,2,3,4,5", ""},
		{"TypeNotNumber", "x,1,0,0,2,3,4", "type"},
		{"TypeOutOfRange", "200,1,0,0,2,3,4", "type"},
		{"TypeOverflow", "300,1,0,0,2,3,4", "type"},
		{"RequesterNegative", "0,-1,0,0,2,3,4", "req_manager"},
		{"RequesterZero", "0,0,0,0,2,3,4", "req_manager"},
		{"ComponentOverflow", "0,1,4294967296,0,2,3,4", "req_component"},
		{"ChannelGarbage", "0,1,0,ch,2,3,4", "req_channel"},
		{"ManagerZero", "0,1,0,0,0,3,4", "manager"},
		{"ManagerIsRequester", "0,1,0,0,1,3,4", "manager"},
		{"ReadNegative", "0,1,0,0,2,-3,4", "read_fd"},
		{"WriteGarbage", "0,1,0,0,2,3,w", "write_fd"},
		{"BadSegment", "0,1,0,0,2,shm,not-an-id", "segment"},
		{"Spaces", "0, 1,0,0,2,3,4", "req_manager"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedToken)

			var tokErr *TokenError
			require.True(t, errors.As(err, &tokErr))
			assert.Equal(t, tt.field, tokErr.Field)
		})
	}

	_, err := DecodeToken("200,1,0,0,2,3,4")
	assert.ErrorIs(t, err, core.ErrUnknownComponentType)
}
