package clock

import (
	"math"
	"time"
)

const dateKeyLayout = "2006-01-02"

// Window 每日奖励重置窗口，以固定时区的零点为边界
type Window struct {
	loc *time.Location
}

func NewWindow(loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	return Window{loc: loc}
}

func (w Window) Location() *time.Location { return w.loc }

// DateKey 返回 t 所在重置时区的日历日期
func (w Window) DateKey(t time.Time) string {
	return t.In(w.loc).Format(dateKeyLayout)
}

// DayStart 返回 t 所在窗口的起点
func (w Window) DayStart(t time.Time) time.Time {
	local := t.In(w.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
}

// NextReset 返回下一次重置时刻。AddDate 处理夏令时切换日。
func (w Window) NextReset(t time.Time) time.Time {
	return w.DayStart(t).AddDate(0, 0, 1)
}

// SecondsUntilReset 向上取整，重置前最后一秒内返回1
func (w Window) SecondsUntilReset(t time.Time) int64 {
	remaining := w.NextReset(t).Sub(t)
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}
