package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// AssignmentPolicyKey returns the cache key for an assignment's proctoring policy
func (r *CacheKeyStruct) AssignmentPolicyKey(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:proctor_policy", assignmentID)
}

// ProctorLockKey returns the key that holds a student's live proctored attempt
func (r *CacheKeyStruct) ProctorLockKey(assignmentID string, studentID int) string {
	return fmt.Sprintf("student:%d:assignment:%s:proctor_lock", studentID, assignmentID)
}

// ProctorDoneKey marks a student's secure attempt as finished so it cannot be restarted
func (r *CacheKeyStruct) ProctorDoneKey(assignmentID string, studentID int) string {
	return fmt.Sprintf("student:%d:assignment:%s:proctor_done", studentID, assignmentID)
}

// ProctorMonitorChannel returns the Redis PubSub channel name for an assignment's live monitor
func (r *CacheKeyStruct) ProctorMonitorChannel(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:proctor_monitor", assignmentID)
}

var CacheKey = NewCacheKeyStruct()

// RateLimitKey counts requests of one client in the current window
func (r *CacheKeyStruct) RateLimitKey(scope, client string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, client, window)
}
