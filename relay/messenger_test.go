package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/common"
)

const testEncryptionKey = "d6022efdbf1cd27b2feb179341b40a800f4fdda7cdfd91ca630f1f17ee0516f3"

func TestMessengerSealOpenRoundTrip(t *testing.T) {
	transport := NewMemoryTransport()
	sessionID := "3b8f2c70-52f6-4cbd-a5a6-0b9f3f487a21"
	sender := NewMessenger(transport, sessionID, testEncryptionKey, "")

	ctx := context.Background()
	require.NoError(t, sender.Send(ctx, "alpha", []string{"bravo"}, []byte("round payload")))
	require.NoError(t, sender.Send(ctx, "alpha", []string{"bravo"}, []byte("second payload")))

	msgs, err := transport.DownloadMessages(ctx, sessionID, "bravo", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].SequenceNo)
	assert.Equal(t, int64(2), msgs[1].SequenceNo)
	assert.NotEqual(t, "round payload", msgs[0].Body, "body travels sealed")

	receiver := NewMessenger(transport, sessionID, testEncryptionKey, "")
	body, err := receiver.Open(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("round payload"), body)
}

func TestMessengerRejectsEmptyBody(t *testing.T) {
	sender := NewMessenger(NewMemoryTransport(), "session", testEncryptionKey, "")
	err := sender.Send(context.Background(), "alpha", []string{"bravo"}, nil)
	require.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	transport := NewMemoryTransport()
	sessionID := "4e0cf1ce-8f3a-4f6e-bb3c-6de2ad1c8d55"
	sender := NewMessenger(transport, sessionID, testEncryptionKey, "")

	ctx := context.Background()
	require.NoError(t, sender.Send(ctx, "alpha", []string{"bravo"}, []byte("secret")))

	msgs, err := transport.DownloadMessages(ctx, sessionID, "bravo", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	otherKey, err := common.GenerateHexEncryptionKey()
	require.NoError(t, err)
	eavesdropper := NewMessenger(transport, sessionID, otherKey, "")
	_, err = eavesdropper.Open(msgs[0])
	require.Error(t, err)
}

func TestMemoryTransportOffline(t *testing.T) {
	transport := NewMemoryTransport()
	transport.SetOffline(true)

	ctx := context.Background()
	err := transport.RegisterSession(ctx, "session", "alpha")
	require.ErrorIs(t, err, ErrTransportUnavailable)

	transport.SetOffline(false)
	require.NoError(t, transport.RegisterSession(ctx, "session", "alpha"))
}
