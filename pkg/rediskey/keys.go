// Package rediskey Redis Key 定义
package rediskey

const (
	// UserLocationKeyPrefix 用户位置 Key 前缀，由接入层写入
	UserLocationKeyPrefix = "im:user:location:"

	// ConversationSnapshotKeyPrefix 会话列表快照 Key 前缀
	ConversationSnapshotKeyPrefix = "im:client:conversations:"
)

// AllPlatforms 接入层支持的平台
var AllPlatforms = []string{"android", "ios", "web", "desktop", "wechat"}

// BuildUserLocationKeyWithPlatform 用户在某平台的位置
// Key: im:user:location:{userId}:{platform}
func BuildUserLocationKeyWithPlatform(userID, platform string) string {
	return UserLocationKeyPrefix + userID + ":" + platform
}

// BuildConversationSnapshotKey 用户会话列表快照
// Key: im:client:conversations:{userId}
func BuildConversationSnapshotKey(userID string) string {
	return ConversationSnapshotKeyPrefix + userID
}
