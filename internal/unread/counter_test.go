package unread

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sudooom.im.convsync/internal/model"
)

func TestGet(t *testing.T) {
	legacy := 7
	tests := []struct {
		name     string
		conv     *model.Conversation
		userID   string
		expected int
	}{
		{
			name:     "nil conversation",
			conv:     nil,
			userID:   "u1",
			expected: 0,
		},
		{
			name:     "per-user map hit",
			conv:     &model.Conversation{UnreadCount: model.NewUnreadCount(map[string]int{"u1": 4})},
			userID:   "u1",
			expected: 4,
		},
		{
			name:     "per-user map miss",
			conv:     &model.Conversation{UnreadCount: model.NewUnreadCount(map[string]int{"u1": 4})},
			userID:   "u2",
			expected: 0,
		},
		{
			name:     "legacy shared number",
			conv:     &model.Conversation{UnreadCount: model.UnreadCount{Legacy: &legacy}},
			userID:   "anyone",
			expected: 7,
		},
		{
			name: "map takes precedence over legacy",
			conv: &model.Conversation{UnreadCount: model.UnreadCount{
				PerUser: map[string]int{"u1": 1},
				Legacy:  &legacy,
			}},
			userID:   "u1",
			expected: 1,
		},
		{
			name:     "absent",
			conv:     &model.Conversation{},
			userID:   "u1",
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Get(tt.conv, tt.userID))
		})
	}
}

func TestSet_DoesNotMutateInput(t *testing.T) {
	conv := model.Conversation{
		ID:          "c1",
		UnreadCount: model.NewUnreadCount(map[string]int{"u1": 3, "u2": 5}),
	}

	updated := Set(conv, "u1", 0)

	assert.Equal(t, 0, updated.UnreadCount.PerUser["u1"])
	assert.Equal(t, 5, updated.UnreadCount.PerUser["u2"])
	assert.Equal(t, 3, conv.UnreadCount.PerUser["u1"], "input must stay untouched")
}

func TestSet_ClampsNegative(t *testing.T) {
	updated := Set(model.Conversation{ID: "c1"}, "u1", -3)
	assert.Equal(t, 0, updated.UnreadCount.PerUser["u1"])
}

func TestNormalize(t *testing.T) {
	legacy := 2
	conv := model.Conversation{ID: "c1", UnreadCount: model.UnreadCount{Legacy: &legacy}}

	normalized := Normalize(conv, "viewer")

	assert.Nil(t, normalized.UnreadCount.Legacy)
	assert.Equal(t, map[string]int{"viewer": 2}, normalized.UnreadCount.PerUser)
	assert.NotNil(t, conv.UnreadCount.Legacy, "input must stay untouched")

	empty := Normalize(model.Conversation{ID: "c2"}, "viewer")
	assert.NotNil(t, empty.UnreadCount.PerUser)
	assert.Equal(t, 0, Get(&empty, "viewer"))
}

func TestBadge(t *testing.T) {
	tests := []struct {
		count    int
		expected string
	}{
		{0, ""},
		{-1, ""},
		{1, "1"},
		{99, "99"},
		{100, "99+"},
		{12345, "99+"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Badge(tt.count), "count=%d", tt.count)
	}
}

func TestTotal(t *testing.T) {
	convs := []model.Conversation{
		{ID: "c1", UnreadCount: model.NewUnreadCount(map[string]int{"u1": 2, "u2": 9})},
		{ID: "c2", UnreadCount: model.NewUnreadCount(map[string]int{"u1": 150})},
		{ID: "c3"},
	}
	assert.Equal(t, 152, Total(convs, "u1"))
}
