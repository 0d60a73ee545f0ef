package telephony

import (
	"context"
	"io"
)

type Recording struct {
	SID      string `json:"sid"`
	CallSID  string `json:"callSid"`
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// Provider places outbound calls. Placement is opaque: the only result is
// the provider's call id.
type Provider interface {
	PlaceCall(ctx context.Context, to string) (callID string, err error)
	GetRecordings(ctx context.Context, callID string) ([]Recording, error)
	FetchRecording(ctx context.Context, rec Recording) (body io.ReadCloser, contentType string, err error)
}
