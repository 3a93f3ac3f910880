package firestore

import (
	"time"

	"github.com/stridelog/server/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get bool from map
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Helper to safely get int64 from map (Firestore numbers decode as int64 or float64)
func getInt64(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

// Helper to safely get float64 from map
func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return 0
}

// Helper to get an optional float64 as a pointer; absent keys stay nil
func getFloat64Ptr(m map[string]interface{}, key string) *float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return &n
		case int64:
			f := float64(n)
			return &f
		}
	}
	return nil
}

// Helper to safely get time from map (handles time.Time from Firestore)
func getTime(m map[string]interface{}, key string) time.Time {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// Helper to safely get bytes from map
func getBytes(m map[string]interface{}, key string) []byte {
	if v, ok := m[key]; ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

// Helper to safely get a string slice from map (Firestore arrays decode as
// []interface{})
func getStringSlice(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// --- UserRecord Converters ---

func UserToFirestore(u *types.UserRecord) map[string]interface{} {
	m := map[string]interface{}{
		"user_id":    u.UserID,
		"created_at": u.CreatedAt,
	}
	if len(u.FCMTokens) > 0 {
		m["fcm_tokens"] = u.FCMTokens
	}
	return m
}

func FirestoreToUser(m map[string]interface{}) *types.UserRecord {
	return &types.UserRecord{
		UserID:    getString(m, "user_id"),
		FCMTokens: getStringSlice(m, "fcm_tokens"),
		CreatedAt: getTime(m, "created_at"),
	}
}

// --- CredentialRecord Converters ---

func CredentialToFirestore(c *types.CredentialRecord) map[string]interface{} {
	return map[string]interface{}{
		"user_id":                 c.UserID,
		"provider":                c.Provider,
		"encrypted_access_token":  c.EncryptedAccessToken,
		"encrypted_refresh_token": c.EncryptedRefreshToken,
		"expires_at":              c.ExpiresAt,
		"encryption_key_version":  c.EncryptionKeyVersion,
		"refresh_count":           c.RefreshCount,
		"last_refresh_at":         c.LastRefreshAt,
		"revoked":                 c.Revoked,
		"created_at":              c.CreatedAt,
	}
}

func FirestoreToCredential(m map[string]interface{}) *types.CredentialRecord {
	return &types.CredentialRecord{
		UserID:                getString(m, "user_id"),
		Provider:              getString(m, "provider"),
		EncryptedAccessToken:  getString(m, "encrypted_access_token"),
		EncryptedRefreshToken: getString(m, "encrypted_refresh_token"),
		ExpiresAt:             getTime(m, "expires_at"),
		EncryptionKeyVersion:  getString(m, "encryption_key_version"),
		RefreshCount:          getInt64(m, "refresh_count"),
		LastRefreshAt:         getTime(m, "last_refresh_at"),
		Revoked:               getBool(m, "revoked"),
		CreatedAt:             getTime(m, "created_at"),
	}
}

// --- ImportRunState Converters ---

func ImportRunToFirestore(r *types.ImportRunState) map[string]interface{} {
	return map[string]interface{}{
		"run_id":       r.RunID,
		"status":       r.Status,
		"page":         r.Page,
		"after_cursor": r.AfterCursor,
		"stats": map[string]interface{}{
			"imported":   r.Stats.Imported,
			"duplicates": r.Stats.Duplicates,
			"updated":    r.Stats.Updated,
			"failed":     r.Stats.Failed,
		},
		"started_at": r.StartedAt,
		"updated_at": r.UpdatedAt,
	}
}

func FirestoreToImportRun(m map[string]interface{}) *types.ImportRunState {
	run := &types.ImportRunState{
		RunID:       getString(m, "run_id"),
		Status:      getString(m, "status"),
		Page:        int(getInt64(m, "page")),
		AfterCursor: getInt64(m, "after_cursor"),
		StartedAt:   getTime(m, "started_at"),
		UpdatedAt:   getTime(m, "updated_at"),
	}
	if stats, ok := m["stats"].(map[string]interface{}); ok {
		run.Stats = types.ImportStats{
			Imported:   int(getInt64(stats, "imported")),
			Duplicates: int(getInt64(stats, "duplicates")),
			Updated:    int(getInt64(stats, "updated")),
			Failed:     int(getInt64(stats, "failed")),
		}
	}
	return run
}

// --- ActivityCacheEntry Converters ---

func CacheEntryToFirestore(e *types.ActivityCacheEntry) map[string]interface{} {
	return map[string]interface{}{
		"source":           e.Source,
		"source_id":        e.SourceID,
		"version":          e.Version,
		"last_seen_run_id": e.LastSeenRunID,
		"first_seen_at":    e.FirstSeenAt,
		"last_seen_at":     e.LastSeenAt,
	}
}

func FirestoreToCacheEntry(m map[string]interface{}) *types.ActivityCacheEntry {
	return &types.ActivityCacheEntry{
		Source:        getString(m, "source"),
		SourceID:      getString(m, "source_id"),
		Version:       getString(m, "version"),
		LastSeenRunID: getString(m, "last_seen_run_id"),
		FirstSeenAt:   getTime(m, "first_seen_at"),
		LastSeenAt:    getTime(m, "last_seen_at"),
	}
}

// --- SessionRecord Converters ---

func SessionToFirestore(s *types.SessionRecord) map[string]interface{} {
	m := map[string]interface{}{
		"source":                  s.Source,
		"source_id":               s.SourceID,
		"external_url":            s.ExternalURL,
		"name":                    s.Name,
		"sport_type":              s.SportType,
		"start_at_utc":            s.StartAtUTC,
		"start_at_local":          s.StartAtLocal,
		"utc_date":                s.UTCDate,
		"timezone":                s.Timezone,
		"timezone_offset_minutes": s.TimezoneOffsetMinutes,
		"elapsed_duration":        s.ElapsedDuration,
		"moving_duration":         s.MovingDuration,
		"distance":                s.Distance,
		"version":                 s.Version,
		"payload":                 s.Payload,
	}
	// Derived fields are written only when present so readers can tell
	// "not derivable" from zero.
	if s.AverageSpeed != nil {
		m["average_speed"] = *s.AverageSpeed
	}
	if s.PaceSecondsPerKm != nil {
		m["pace_seconds_per_km"] = *s.PaceSecondsPerKm
	}
	return m
}

func FirestoreToSession(m map[string]interface{}) *types.SessionRecord {
	return &types.SessionRecord{
		Source:                getString(m, "source"),
		SourceID:              getString(m, "source_id"),
		ExternalURL:           getString(m, "external_url"),
		Name:                  getString(m, "name"),
		SportType:             getString(m, "sport_type"),
		StartAtUTC:            getTime(m, "start_at_utc"),
		StartAtLocal:          getTime(m, "start_at_local"),
		UTCDate:               getString(m, "utc_date"),
		Timezone:              getString(m, "timezone"),
		TimezoneOffsetMinutes: int(getInt64(m, "timezone_offset_minutes")),
		ElapsedDuration:       getInt64(m, "elapsed_duration"),
		MovingDuration:        getInt64(m, "moving_duration"),
		Distance:              getFloat64(m, "distance"),
		AverageSpeed:          getFloat64Ptr(m, "average_speed"),
		PaceSecondsPerKm:      getFloat64Ptr(m, "pace_seconds_per_km"),
		Version:               getString(m, "version"),
		Payload:               getBytes(m, "payload"),
	}
}

// --- ExecutionRecord Converters ---

func ExecutionToFirestore(e *types.ExecutionRecord) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": e.ExecutionID,
		"service":      e.Service,
		"user_id":      e.UserID,
		"trigger_type": e.TriggerType,
		"status":       e.Status,
		"error":        e.Error,
		"outputs_json": e.OutputsJSON,
		"started_at":   e.StartedAt,
		"finished_at":  e.FinishedAt,
	}
}

func FirestoreToExecution(m map[string]interface{}) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		ExecutionID: getString(m, "execution_id"),
		Service:     getString(m, "service"),
		UserID:      getString(m, "user_id"),
		TriggerType: getString(m, "trigger_type"),
		Status:      getString(m, "status"),
		Error:       getString(m, "error"),
		OutputsJSON: getString(m, "outputs_json"),
		StartedAt:   getTime(m, "started_at"),
		FinishedAt:  getTime(m, "finished_at"),
	}
}
