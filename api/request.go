package api

// SubmitReq asks for a submission to be evaluated against its challenge.
type SubmitReq struct {
	SubmissionID string `json:"submission_id"`
}

// SubmitResp identifies the evaluation started for a SubmitReq.
type SubmitResp struct {
	SubmissionID string `json:"submission_id"`
	Handle       string `json:"handle"`
}
