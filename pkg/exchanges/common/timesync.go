package common

import (
	"context"
	"sync"
	"time"

	"quant-core/pkg/logger"
)

// TimeSync tracks the offset between local time and an exchange server clock.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // ms, server - local
	synced        bool
	mu            sync.RWMutex
}

// NewTimeSync creates an unsynced clock; NowMillis is local time until Sync succeeds.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{getServerTime: getServerTime}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// assume symmetric latency
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.synced = true
	ts.mu.Unlock()

	logger.Debugf("time sync: offset=%dms", serverTime-localTime)
	return nil
}

// NowMillis returns the server-adjusted time, or local time before the first sync.
func (ts *TimeSync) NowMillis() int64 {
	if ts == nil {
		return time.Now().UnixMilli()
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if !ts.synced {
		return time.Now().UnixMilli()
	}
	return time.Now().UnixMilli() + ts.offset
}
