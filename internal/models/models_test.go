package models

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	tests := []struct {
		name      string
		event     Event
		wantType  string
		wantField string
		hidden    string
	}{
		{
			name:      "typing",
			event:     UserTyping{ChatID: "c1", UserID: "u1", UserName: "alice", IsTyping: true},
			wantType:  "userTyping",
			wantField: "username",
		},
		{
			name:      "online",
			event:     PresenceChanged{UserID: "u1", UserName: "alice", Online: true},
			wantType:  "userOnline",
			wantField: "userId",
		},
		{
			name:      "offline",
			event:     PresenceChanged{UserID: "u1", UserName: "alice", LastSeen: 42},
			wantType:  "userOffline",
			wantField: "lastSeen",
		},
		{
			name:      "read receipt hides sender",
			event:     MessageRead{ChatID: "c1", MessageID: "m1", ReadBy: "u2", ReadAt: 1, SenderID: "u1"},
			wantType:  "messageRead",
			wantField: "readBy",
			hidden:    "senderId",
		},
		{
			name:      "unread hides target user",
			event:     UnreadCountUpdate{ChatID: "c1", UnreadCount: 3, UserID: "u1"},
			wantType:  "unreadCountUpdate",
			wantField: "unreadCount",
			hidden:    "userId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEvent(tt.event)
			require.NoError(t, err)

			var envelope struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal(data, &envelope))
			require.Equal(t, tt.wantType, envelope.Event)
			require.Contains(t, envelope.Data, tt.wantField)
			if tt.hidden != "" {
				require.NotContains(t, envelope.Data, tt.hidden)
			}
		})
	}
}

func TestMessageRedacted(t *testing.T) {
	msg := Message{
		ID:          "m1",
		Content:     "secret",
		HTML:        "<p>secret</p>",
		Attachments: []Attachment{{Type: AttachmentTypeImage, URL: "/api/files/x"}},
	}
	require.Equal(t, msg, msg.Redacted())

	msg.IsDeleted = true
	msg.DeletedBy = "u1"
	redacted := msg.Redacted()
	require.Empty(t, redacted.Content)
	require.Empty(t, redacted.HTML)
	require.Empty(t, redacted.Attachments)
	require.Equal(t, "m1", redacted.ID)
	require.Equal(t, "u1", redacted.DeletedBy)
	require.Equal(t, "secret", msg.Content)
}

func TestPrivatePairKey(t *testing.T) {
	require.Equal(t, PrivatePairKey("a", "b"), PrivatePairKey("b", "a"))
	require.NotEqual(t, PrivatePairKey("a", "b"), PrivatePairKey("a", "c"))
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, "forbidden", ErrorCode(fmt.Errorf("%w: not a member", ErrForbidden)))
	require.Equal(t, "not_found", ErrorCode(ErrNotFound))
	require.Equal(t, "internal", ErrorCode(fmt.Errorf("boom")))
}
