package storage

import (
	"context"
	"io"
	"time"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, metadata map[string]string, r io.Reader) (storedPath string, err error)
}

type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// RecordingObjectName is where a call's recording is archived.
func RecordingObjectName(callSID, recordingID, ext string) string {
	return "recordings/" + callSID + "/" + recordingID + ext
}
