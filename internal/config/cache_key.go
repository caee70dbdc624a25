package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AssessmentPayloadKey returns the cache key for the redacted assessment payload
func (r *CacheKeyStruct) AssessmentPayloadKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:payload", assessmentID)
}

// AssessmentAnswerKey returns the cache key for an assessment's answer key.
// It is never read while a session is active.
func (r *CacheKeyStruct) AssessmentAnswerKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:key", assessmentID)
}

// AssessmentMonitorChannel returns the Redis PubSub channel name for an assessment monitor
func (r *CacheKeyStruct) AssessmentMonitorChannel(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:monitor", assessmentID)
}

// SessionHeartbeatKey returns the key holding a live session's last snapshot
func (r *CacheKeyStruct) SessionHeartbeatKey(sessionID string) string {
	return fmt.Sprintf("session:%s:heartbeat", sessionID)
}

// AssessmentLiveSessionsKey returns the set of session ids currently live on an assessment
func (r *CacheKeyStruct) AssessmentLiveSessionsKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:live_sessions", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
