package chatcore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSend(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ps := stageSend(7, "ws", SendInput{
		Content: "see attached",
		Files: []Upload{
			{FileName: "photo.jpg", Data: []byte("jpeg"), PreviewURL: "blob:abc"},
			{FileName: "voice.ogg", Data: []byte("ogg")},
		},
	}, "temp-9", now)

	assert.Equal(t, phaseStaged, ps.phase)
	m := ps.optimistic
	assert.True(t, m.IsOptimistic())
	assert.True(t, m.Sending)
	assert.Equal(t, now.Unix(), m.CreatedAt)
	assert.Equal(t, MessageOutgoing, m.MessageType)
	require.Len(t, m.Attachments, 2)
	assert.Equal(t, Attachment{Kind: AttachmentImage, URL: "blob:abc", FileName: "photo.jpg", Size: 4}, m.Attachments[0])
	assert.Equal(t, AttachmentAudio, m.Attachments[1].Kind)
	assert.Equal(t, "local:voice.ogg", m.Attachments[1].URL)
	assert.Equal(t, "ws", ps.req.WorkspaceID)
}

func TestSendPhases(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		ps := stageSend(7, "ws", SendInput{Content: "x"}, "temp-1", time.Now())
		require.Error(t, ps.commit(Message{ID: 1}), "cannot commit before the request starts")
		require.NoError(t, ps.begin())
		require.NoError(t, ps.commit(Message{ID: 1, Sending: true}))
		assert.Equal(t, phaseCommitted, ps.phase)
		assert.Equal(t, int64(7), ps.result.ConversationID)
		assert.False(t, ps.result.Sending)
		assert.Error(t, ps.rollback(errOffline), "committed sends cannot roll back")
	})

	t.Run("rollback", func(t *testing.T) {
		ps := stageSend(7, "ws", SendInput{Files: []Upload{{FileName: "a.txt", Data: make([]byte, 3<<20)}}}, "temp-2", time.Now())
		require.NoError(t, ps.begin())
		require.NoError(t, ps.rollback(errOffline))
		assert.Equal(t, "rolled_back", ps.phase.String())

		se := ps.sendError()
		assert.True(t, errors.Is(se, errOffline))
		assert.Equal(t, "send to conversation 7 failed: network unreachable (attachments: a.txt 3.0 MB)", se.Error())
	})
}

func TestSendInputEmpty(t *testing.T) {
	assert.True(t, SendInput{Content: " \n"}.empty())
	assert.False(t, SendInput{Files: []Upload{{FileName: "a"}}}.empty())
	assert.False(t, SendInput{Content: "ok"}.empty())
}
