package models

// ViewState is the renderable state of the board. It holds no state of its own
// and is recomputed from the session, the snapshot and the submission status.
type ViewState struct {
	Loading    bool             `json:"loading"`
	IdentityID string           `json:"identityId,omitempty"`
	LocalOnly  bool             `json:"localOnly,omitempty"`
	Papers     []Paper          `json:"papers,omitempty"`
	Submission SubmissionStatus `json:"submission,omitempty"`
	Notices    []string         `json:"notices,omitempty"`
}
