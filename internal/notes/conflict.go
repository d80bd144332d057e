package notes

import (
	"encoding/json"
	"fmt"
	"time"
)

// writeDecision is the pure outcome of evaluating a write against the
// stored note row. The service applies accepted decisions transactionally.
type writeDecision struct {
	Status      WriteStatus
	LockHolder  DeviceID
	LockedSince int64
	Updated     *Note
}

// decideWrite evaluates a write without touching storage. existing is nil
// when the chapter has no note row yet. A live lock held by another device
// rejects the write outright; a base version behind the stored version
// marks it divergent so the service can preserve it for manual resolution.
func decideWrite(existing *Note, request WriteRequest, now time.Time, ttl time.Duration) writeDecision {
	stored := Note{
		UserID:  request.UserID.String(),
		Book:    request.Chapter.Book,
		Chapter: request.Chapter.Chapter,
	}
	if existing != nil {
		stored = *existing
	}

	if existing != nil && lockHeldByOther(stored, request.Device, now, ttl) {
		return writeDecision{
			Status:      WriteStatusLockedByOther,
			LockHolder:  DeviceID(stored.LockedByDevice),
			LockedSince: stored.LockedAtSeconds,
		}
	}

	if existing != nil && request.BaseVersion != stored.Version {
		return writeDecision{Status: WriteStatusConflict}
	}

	updated := stored
	if updated.CreatedAtSeconds == 0 {
		if request.ModifiedAtSeconds > 0 {
			updated.CreatedAtSeconds = request.ModifiedAtSeconds
		} else {
			updated.CreatedAtSeconds = now.Unix()
		}
	}
	if request.ModifiedAtSeconds > 0 {
		updated.ModifiedAtSeconds = request.ModifiedAtSeconds
	} else {
		updated.ModifiedAtSeconds = now.Unix()
	}
	if updated.ModifiedAtSeconds < updated.CreatedAtSeconds {
		updated.CreatedAtSeconds = updated.ModifiedAtSeconds
	}
	updated.LastWriterDevice = request.Device.String()

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	return writeDecision{
		Status:  WriteStatusAccepted,
		Updated: &updated,
	}
}

// encodeSections serializes drafts into the payload stored on a conflict
// version. Decoding the payload must reproduce the drafts exactly.
func encodeSections(sections []SectionDraft) (string, error) {
	if sections == nil {
		sections = []SectionDraft{}
	}
	data, err := json.Marshal(sections)
	if err != nil {
		return "", fmt.Errorf("notes: encode sections: %w", err)
	}
	return string(data), nil
}

// decodeSections restores drafts from a stored conflict version payload.
func decodeSections(payload string) ([]SectionDraft, error) {
	var sections []SectionDraft
	if err := json.Unmarshal([]byte(payload), &sections); err != nil {
		return nil, fmt.Errorf("notes: decode sections: %w", err)
	}
	return sections, nil
}

func sectionContentLength(sections []SectionDraft) int {
	total := 0
	for _, section := range sections {
		total += len(section.Content)
	}
	return total
}
