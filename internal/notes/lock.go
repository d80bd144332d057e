package notes

import "time"

// DefaultLockTTL bounds how long an advisory lock survives without a
// refresh. A crashed device's lock becomes reclaimable after this window.
const DefaultLockTTL = 5 * time.Minute

// lockHolder reports the device holding a live lock on the note, if any.
// An expired lock reads as absent.
func lockHolder(note Note, now time.Time, ttl time.Duration) (DeviceID, bool) {
	if note.LockedByDevice == "" {
		return "", false
	}
	lockedAt := time.Unix(note.LockedAtSeconds, 0)
	if now.Sub(lockedAt) > ttl {
		return "", false
	}
	return DeviceID(note.LockedByDevice), true
}

// lockHeldByOther reports whether a live lock belongs to a device other
// than the caller.
func lockHeldByOther(note Note, device DeviceID, now time.Time, ttl time.Duration) bool {
	holder, held := lockHolder(note, now, ttl)
	return held && holder != device
}

func lockExpiry(note Note, ttl time.Duration) int64 {
	if note.LockedByDevice == "" {
		return 0
	}
	return note.LockedAtSeconds + int64(ttl/time.Second)
}
