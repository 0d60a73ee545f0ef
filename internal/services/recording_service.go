package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	pgrepo "github.com/BoweryJG/repconnect/internal/repositories/postgres"
	"github.com/BoweryJG/repconnect/internal/providers/stt"
	"github.com/BoweryJG/repconnect/internal/providers/telephony"
	"github.com/BoweryJG/repconnect/internal/storage"
	"github.com/BoweryJG/repconnect/internal/utils"
)

const maxRecordingBytes = 64 << 20

type ArchivedRecording struct {
	RecordingSID string  `json:"recordingSid"`
	StoredPath   string  `json:"storedPath"`
	Transcript   string  `json:"transcript"`
	Confidence   float64 `json:"confidence"`
	Duration     int     `json:"duration"`
}

// RecordingService archives provider recordings and attaches their
// transcripts to call history.
type RecordingService interface {
	Archive(ctx context.Context, callSID string) ([]ArchivedRecording, error)
	SignedURL(ctx context.Context, callSID string, ttl time.Duration) (string, error)
}

type recordingService struct {
	phone    telephony.Provider
	uploader storage.Uploader
	signer   storage.Signer
	speech   stt.Provider
	history  pgrepo.CallHistoryRepo
	log      logrus.FieldLogger
}

func NewRecordingService(phone telephony.Provider, uploader storage.Uploader, signer storage.Signer, speech stt.Provider, history pgrepo.CallHistoryRepo, log logrus.FieldLogger) RecordingService {
	if log == nil {
		log = logrus.New()
	}
	return &recordingService{
		phone:    phone,
		uploader: uploader,
		signer:   signer,
		speech:   speech,
		history:  history,
		log:      log.WithField("component", "recordings"),
	}
}

func (s *recordingService) Archive(ctx context.Context, callSID string) ([]ArchivedRecording, error) {
	const op = "RecordingService.Archive"

	if callSID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "call_sid is required", nil)
	}
	if _, err := s.history.GetByCallSID(ctx, callSID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "call history not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load call history", err)
	}

	recs, err := s.phone.GetRecordings(ctx, callSID)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "failed to list recordings", err)
	}
	if len(recs) == 0 {
		return []ArchivedRecording{}, nil
	}

	out := make([]ArchivedRecording, 0, len(recs))
	var texts []string
	for _, rec := range recs {
		a, err := s.archiveOne(ctx, callSID, rec)
		if err != nil {
			return out, utils.E(utils.CodeUnavailable, op, "failed to archive recording "+rec.SID, err)
		}
		out = append(out, a)
		if a.Transcript != "" {
			texts = append(texts, a.Transcript)
		}
	}

	fields := map[string]any{"recording_url": out[len(out)-1].StoredPath}
	if len(texts) > 0 {
		fields["transcript"] = strings.Join(texts, "\n")
	}
	if err := s.history.UpdateByCallSID(ctx, callSID, fields); err != nil {
		return out, utils.E(utils.CodeInternal, op, "failed to update call history", err)
	}

	s.log.WithFields(logrus.Fields{"call_sid": callSID, "recordings": len(out)}).Info("recordings archived")
	return out, nil
}

func (s *recordingService) archiveOne(ctx context.Context, callSID string, rec telephony.Recording) (ArchivedRecording, error) {
	body, contentType, err := s.phone.FetchRecording(ctx, rec)
	if err != nil {
		return ArchivedRecording{}, fmt.Errorf("fetch: %w", err)
	}
	audio, err := io.ReadAll(io.LimitReader(body, maxRecordingBytes))
	_ = body.Close()
	if err != nil {
		return ArchivedRecording{}, fmt.Errorf("read: %w", err)
	}

	ext := path.Ext(rec.URL)
	if ext == "" {
		ext = ".wav"
	}
	stored, err := s.uploader.Upload(ctx,
		storage.RecordingObjectName(callSID, rec.SID, ext),
		contentType,
		map[string]string{"call_sid": callSID, "recording_sid": rec.SID},
		bytes.NewReader(audio),
	)
	if err != nil {
		return ArchivedRecording{}, fmt.Errorf("upload: %w", err)
	}

	a := ArchivedRecording{RecordingSID: rec.SID, StoredPath: stored, Duration: rec.Duration}
	text, conf, err := s.speech.Transcribe(ctx, audio, stt.RecognizeOptions{SampleRateHz: 8000})
	if err != nil {
		// the archive is still useful without a transcript
		s.log.WithError(err).WithFields(logrus.Fields{"call_sid": callSID, "recording_sid": rec.SID}).Warn("recording transcription failed")
		return a, nil
	}
	a.Transcript = text
	a.Confidence = conf
	return a, nil
}

func (s *recordingService) SignedURL(ctx context.Context, callSID string, ttl time.Duration) (string, error) {
	const op = "RecordingService.SignedURL"

	h, err := s.history.GetByCallSID(ctx, callSID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return "", utils.E(utils.CodeNotFound, op, "call history not found", err)
		}
		return "", utils.E(utils.CodeInternal, op, "failed to load call history", err)
	}
	object, ok := objectName(h.RecordingURL)
	if !ok {
		return "", utils.E(utils.CodeNotFound, op, "recording not archived", nil)
	}
	u, err := s.signer.SignedGetURL(ctx, object, ttl)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "failed to sign url", err)
	}
	return u, nil
}

// objectName extracts the object from a gs://bucket/object path.
func objectName(stored string) (string, bool) {
	rest, ok := strings.CutPrefix(stored, "gs://")
	if !ok {
		return "", false
	}
	_, obj, ok := strings.Cut(rest, "/")
	return obj, ok && obj != ""
}
