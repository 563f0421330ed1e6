package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChat_SameParticipants(t *testing.T) {
	chat := Chat{Participants: []string{"alice", "bob"}}

	require.True(t, chat.SameParticipants([]string{"bob", "alice"}))
	require.True(t, chat.SameParticipants([]string{"alice", "bob", "alice"}))
	require.False(t, chat.SameParticipants([]string{"alice"}))
	require.False(t, chat.SameParticipants([]string{"alice", "bob", "carol"}))
}

func TestMessage_Preview(t *testing.T) {
	require.Equal(t, "hello", Message{Text: "hello", MessageType: MessageTypeText}.Preview())
	require.Equal(t, PhotoPreview, Message{ImageURI: "file:///a.jpg", MessageType: MessageTypeImage}.Preview())
	require.Equal(t, PhotoPreview, Message{Text: "look", ImageURI: "file:///a.jpg", MessageType: MessageTypeImage}.Preview())
}
