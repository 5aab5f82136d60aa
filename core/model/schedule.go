package model

import "time"

// ScheduleEntry is one hour of a computed on/off schedule, persisted per
// plan and day. Rows are immutable once written and replaced wholesale on
// recompute.
type ScheduleEntry struct {
	PlanID       string
	Date         time.Time // truncated to day, UTC
	Hour         int       // 0-23
	Price        float64   // $/kWh
	OnlineCount  int
	OfflineCount int
	PowerKW      float64
	IsPeakHour   bool
}
