package services

import "github.com/Lllllllleong/researchboard/internal/models"

// RenderView derives the renderable board state. It has no side effects.
// Until the identity is established only the loading indicator and any
// notices are rendered.
func RenderView(identity models.Identity, snapshot models.Snapshot, status models.SubmissionStatus, notices ...error) models.ViewState {
	view := models.ViewState{Notices: noticeMessages(notices)}
	if !identity.IsEstablished {
		view.Loading = true
		return view
	}
	view.IdentityID = identity.ID
	view.LocalOnly = identity.Source == models.SourceLocalFallback
	view.Papers = snapshot.Papers
	view.Submission = status
	return view
}

func noticeMessages(errs []error) []string {
	var out []string
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}
