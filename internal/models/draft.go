package models

import "strings"

// SubmissionStatus is the transient state of a submission attempt.
type SubmissionStatus string

const (
	StatusIdle       SubmissionStatus = "idle"
	StatusInvalid    SubmissionStatus = "invalid"
	StatusSubmitting SubmissionStatus = "submitting"
	StatusSucceeded  SubmissionStatus = "succeeded"
	StatusFailed     SubmissionStatus = "failed"
)

// Draft is the unsaved submission form state. It is never persisted.
type Draft struct {
	Title    string           `json:"title"`
	Abstract string           `json:"abstract"`
	Content  string           `json:"content"`
	Status   SubmissionStatus `json:"status"`
}

// Complete reports whether all three text fields are non-empty after trimming.
func (d *Draft) Complete() bool {
	return strings.TrimSpace(d.Title) != "" &&
		strings.TrimSpace(d.Abstract) != "" &&
		strings.TrimSpace(d.Content) != ""
}

// Clear empties the text fields.
func (d *Draft) Clear() {
	d.Title, d.Abstract, d.Content = "", "", ""
}
