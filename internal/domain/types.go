package domain

import "time"

// User is the member record owned by the backend.
type User struct {
	ID        int64
	LineID    string
	FirstName string
	LastName  string
}

// Vehicle is a registered car. LicensePlate is the key the backend uses for
// update, delete and damage assessment.
type Vehicle struct {
	Brand         string
	Model         string
	Year          int
	LicensePlate  string
	ChassisNumber string
	Province      string
}

// AssessmentDraft is the in-progress damage assessment of one LINE user.
type AssessmentDraft struct {
	LineID       string
	LicensePlate string
	Rows         []*DamageRow
	UpdatedAt    time.Time
}

// DamageRow pairs one damaged part with the staged photo of it.
type DamageRow struct {
	ID         string
	Position   int
	PartType   string
	StorageKey string
	MimeType   string
}

func (r *DamageRow) HasImage() bool {
	return r.StorageKey != ""
}

// UsedParts returns the set of part types selected across all rows.
func (d *AssessmentDraft) UsedParts() map[string]bool {
	used := make(map[string]bool, len(d.Rows))
	for _, row := range d.Rows {
		if row.PartType != "" {
			used[row.PartType] = true
		}
	}
	return used
}

// Row returns the row with the given id, or nil.
func (d *AssessmentDraft) Row(id string) *DamageRow {
	for _, row := range d.Rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}
