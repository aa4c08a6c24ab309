// Package protocol defines the HTTP wire format shared by the challenge
// client and the gate, the error taxonomy of a challenge attempt, and the
// client that speaks it.
package protocol

// Endpoint paths, relative to the configured base URL.
const (
	ChallengePath = "/pow/challenge"
	VerifyPath    = "/pow/verify"
)

// MaxBodySize bounds request and response bodies on both sides.
const MaxBodySize = 1024

// Error texts the gate puts in ErrorResponse. Clients show them verbatim.
const (
	MsgInvalidChallenge = "Invalid or expired challenge"
	MsgInvalidSolution  = "Invalid solution"
	MsgBadRequest       = "Invalid request"
	MsgTooManyRequests  = "Too many requests"
	MsgServerBusy       = "Server busy"
	MsgMethodNotAllowed = "Method not allowed"
)

// Fallback texts for failures that carry no server message.
const (
	MsgFetchFailed  = "Failed to fetch challenge"
	MsgVerifyFailed = "Verification failed"
)

// ChallengeResponse is the body of GET /pow/challenge. Pointer fields
// tell a missing member apart from a zero value.
type ChallengeResponse struct {
	Challenge  *string `json:"challenge"`
	Difficulty *int    `json:"difficulty"`
}

// VerifyRequest is the body of POST /pow/verify.
type VerifyRequest struct {
	Challenge string `json:"challenge"`
	Nonce     uint64 `json:"nonce"`
	ReturnURL string `json:"return_url"`
}

// VerifyResponse is the 200 body of POST /pow/verify.
type VerifyResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every non-200 answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
