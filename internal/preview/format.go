package preview

import "time"

var weekdays = [...]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}

// FormatUpdatedAt 列表时间标签
// 当天显示 HH:MM，七天内显示星期，更早显示日期
func FormatUpdatedAt(t, now time.Time) string {
	t = t.In(now.Location())

	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Format("15:04")
	}

	startOfToday := time.Date(y2, m2, d2, 0, 0, 0, 0, now.Location())
	if !t.After(startOfToday) && startOfToday.Sub(t) < 6*24*time.Hour {
		return weekdays[t.Weekday()]
	}
	if y1 == y2 {
		return t.Format("01/02")
	}
	return t.Format("2006/01/02")
}
