package proto

// 推送通道命名
// 完整格式: im.client.{user_id}.{event}
const (
	SubjectClientPrefix = "im.client."
)

// BuildClientSubject 构建用户事件 Subject / Channel
func BuildClientSubject(userID, event string) string {
	return SubjectClientPrefix + userID + "." + event
}
