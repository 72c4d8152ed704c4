package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{"negotiation", Negotiation("create offer", errors.New("boom")), ErrNegotiation, KindNegotiation},
		{"channel", Channel("send", nil), ErrChannel, KindChannel},
		{"precondition", Precondition("start", errors.New("no token")), ErrPrecondition, KindPrecondition},
		{"codec", Codec("decode", errors.New("odd hex")), ErrCodec, KindCodec},
		{"incomplete", IncompleteTransfer("reassemble", nil), ErrIncompleteTransfer, KindIncompleteTransfer},
		{"integrity", Integrity("verify", nil), ErrIntegrity, KindIntegrity},
		{"server", ServerNotification("complete", nil), ErrServerNotification, KindServerNotification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("session: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			if tt.sentinel != ErrIntegrity {
				assert.NotErrorIs(t, wrapped, ErrIntegrity)
			}
		})
	}
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("dtls handshake")
	err := Negotiation("accept offer", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "NegotiationError: accept offer: dtls handshake", err.Error())
	assert.Equal(t, "IntegrityError", ErrIntegrity.Error())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
