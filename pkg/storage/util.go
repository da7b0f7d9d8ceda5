package storage

import "time"

func nowMs() int64 { return time.Now().UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }
