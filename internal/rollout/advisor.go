package rollout

import (
	"github.com/cespare/xxhash/v2"
)

// Decision is the update verdict for one machine.
type Decision struct {
	Available bool `json:"available"`
	Forced    bool `json:"forced"`
	Bucket    int  `json:"bucket"`
}

// Bucket maps a machine id to a stable value in [0,100).
func Bucket(machineID string) int {
	return int(xxhash.Sum64String(machineID) % 100)
}

// Decide reports whether machineID running current should be offered
// latest. An update is forced when minVersion is set and current is below
// it; forced updates ignore the rollout percentage. Otherwise the machine
// must be behind latest and fall in a bucket below rolloutPercent.
func Decide(machineID, current, latest, minVersion string, rolloutPercent int) Decision {
	rolloutPercent = min(max(rolloutPercent, 0), 100)

	d := Decision{Bucket: Bucket(machineID)}
	d.Forced = minVersion != "" && IsBehind(current, minVersion)
	behind := latest != "" && IsBehind(current, latest)

	d.Available = d.Forced || (behind && d.Bucket < rolloutPercent)
	return d
}
