// Package zoho writes application state to a Zoho CRM record and reads it
// back, refreshing the credential at most once per operation.
package zoho

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/basecamp/crmsync/internal/output"
	"github.com/basecamp/crmsync/internal/queue"
)

// DefaultSectionCount is the number of top-level sections a complete
// discovery document fills.
const DefaultSectionCount = 9

// Field names written alongside the state document.
const (
	FieldLastUpdate = "Discovery_Last_Update"
	FieldCompletion = "Discovery_Completion"
	FieldStatus     = "Discovery_Status"
)

var recordIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Record is one unit of application state bound to a CRM record.
type Record struct {
	SubjectID  string          `json:"subjectId"`
	RecordID   string          `json:"recordId"`
	Data       json.RawMessage `json:"data"`
	Completion int             `json:"completion"`
}

// NewRecord builds a record and computes its completion from data.
func NewRecord(subjectID, recordID string, data json.RawMessage) Record {
	if subjectID == "" {
		subjectID = recordID
	}
	return Record{
		SubjectID:  subjectID,
		RecordID:   recordID,
		Data:       data,
		Completion: Progress(data, DefaultSectionCount),
	}
}

// ValidateRecordID rejects IDs that cannot be a Zoho record ID.
func ValidateRecordID(id string) error {
	if id == "" {
		return output.ErrUsage("record ID is required")
	}
	if !recordIDPattern.MatchString(id) {
		return output.ErrUsageHint(fmt.Sprintf("invalid record ID %q", id), "Record IDs contain only letters, digits, '-' and '_'")
	}
	return nil
}

// Payload packs the record for the retry queue.
func (r Record) Payload() (queue.Payload, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return queue.Payload{}, err
	}
	return queue.Payload{SubjectID: r.SubjectID, Data: data}, nil
}

// RecordFromPayload unpacks a queued record.
func RecordFromPayload(p queue.Payload) (Record, error) {
	var r Record
	if err := json.Unmarshal(p.Data, &r); err != nil {
		return Record{}, fmt.Errorf("decode queued record %s: %w", p.SubjectID, err)
	}
	if r.SubjectID == "" {
		r.SubjectID = p.SubjectID
	}
	return r, nil
}

// Fields returns the CRM field values for an update of r.
func (r Record) Fields(stateField string, now time.Time) map[string]any {
	return map[string]any{
		"id":            r.RecordID,
		stateField:      string(r.Data),
		FieldLastUpdate: now.UTC().Format(time.RFC3339),
		FieldCompletion: fmt.Sprintf("%d%%", r.Completion),
	}
}

// StatusLabel describes completion the way the CRM's status picklist does.
func StatusLabel(completion int) string {
	if completion >= 100 {
		return "Completed"
	}
	return "In Progress"
}

// Progress returns the percentage of sections under "modules" in data that
// hold a meaningful value: not null, not an empty string, array or object.
func Progress(data json.RawMessage, sections int) int {
	if sections <= 0 || len(data) == 0 {
		return 0
	}
	var doc struct {
		Modules map[string]json.RawMessage `json:"modules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}

	filled := 0
	for _, section := range doc.Modules {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(section, &fields); err != nil {
			continue
		}
		for _, v := range fields {
			if meaningful(v) {
				filled++
				break
			}
		}
	}
	filled = min(filled, sections)
	return int(math.Round(float64(filled) / float64(sections) * 100))
}

func meaningful(v json.RawMessage) bool {
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return false
	}
	switch t := x.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
