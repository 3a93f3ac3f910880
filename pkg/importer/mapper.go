package importer

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/stridelog/server/pkg/domain/activity"
	"github.com/stridelog/server/pkg/provider"
	"github.com/stridelog/server/pkg/types"
)

// MapActivity normalizes one provider record into a session record. Pure:
// no I/O, no clock. The raw payload is fingerprinted so repeat imports can
// distinguish an unchanged record from an upstream edit.
func MapActivity(source string, act *provider.Activity, raw json.RawMessage) (*types.SessionRecord, error) {
	if act.ID == 0 {
		return nil, fmt.Errorf("activity has no id")
	}
	if act.StartDate.IsZero() {
		return nil, fmt.Errorf("activity %d has no start date", act.ID)
	}

	startUTC := act.StartDate.UTC()

	session := &types.SessionRecord{
		Source:                source,
		SourceID:              fmt.Sprintf("%d", act.ID),
		ExternalURL:           provider.ActivityURL(act.ID),
		Name:                  act.Name,
		SportType:             string(activity.FromProvider(act.SportType)),
		StartAtUTC:            startUTC,
		StartAtLocal:          act.StartDateLocal,
		UTCDate:               startUTC.Format("2006-01-02"),
		Timezone:              tzName(act.Timezone),
		TimezoneOffsetMinutes: int(act.UTCOffset / 60),
		ElapsedDuration:       act.ElapsedTime,
		MovingDuration:        act.MovingTime,
		Distance:              act.Distance,
		Version:               fingerprint(raw),
		Payload:               raw,
	}

	// Derived fields only when the inputs are present and non-zero; a
	// stationary or zero-duration activity gets nil, not a division artifact.
	if act.Distance > 0 && act.MovingTime > 0 {
		speed := act.Distance / float64(act.MovingTime)
		session.AverageSpeed = &speed

		pace := float64(act.MovingTime) / (act.Distance / 1000)
		session.PaceSecondsPerKm = &pace
	}

	return session, nil
}

// tzName strips the provider's "(GMT+02:00) Europe/Berlin" decoration down
// to the IANA name. The numeric offset is carried separately.
func tzName(raw string) string {
	if i := strings.LastIndex(raw, ") "); i >= 0 {
		return raw[i+2:]
	}
	return strings.TrimSpace(raw)
}

// fingerprint hashes the raw payload into a short stable version string.
func fingerprint(raw []byte) string {
	h := fnv.New64a()
	h.Write(raw)
	return fmt.Sprintf("%x", h.Sum64())
}
