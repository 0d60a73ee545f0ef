package stt

import (
	"context"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

// syncLimitSeconds is the longest audio Recognize accepts inline.
const syncLimitSeconds = 55

// GoogleSpeech transcribes archived call recordings.
type GoogleSpeech struct {
	c *speech.Client
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{c: c}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

func (g *GoogleSpeech) Transcribe(ctx context.Context, audio []byte, opts RecognizeOptions) (string, float64, error) {
	cfg := recognitionConfig(opts)
	req := &speechpb.RecognizeRequest{
		Config: cfg,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}

	var results []*speechpb.SpeechRecognitionResult
	if audioSeconds(len(audio), cfg) <= syncLimitSeconds {
		resp, err := g.c.Recognize(ctx, req)
		if err != nil {
			return "", 0, err
		}
		results = resp.Results
	} else {
		op, err := g.c.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
			Config: req.Config,
			Audio:  req.Audio,
		})
		if err != nil {
			return "", 0, err
		}
		resp, err := op.Wait(ctx)
		if err != nil {
			return "", 0, err
		}
		results = resp.Results
	}

	text, conf := joinResults(results)
	return text, conf, nil
}

func recognitionConfig(opts RecognizeOptions) *speechpb.RecognitionConfig {
	lang := opts.Language
	if lang == "" {
		lang = "en-US"
	}
	rate := opts.SampleRateHz
	if rate <= 0 {
		rate = 8000
	}
	enc := speechpb.RecognitionConfig_LINEAR16
	if strings.EqualFold(opts.Encoding, "mulaw") {
		enc = speechpb.RecognitionConfig_MULAW
	}
	return &speechpb.RecognitionConfig{
		Encoding:                   enc,
		SampleRateHertz:            rate,
		LanguageCode:               lang,
		EnableAutomaticPunctuation: true,
		UseEnhanced:                true,
		Model:                      "phone_call",
	}
}

func audioSeconds(n int, cfg *speechpb.RecognitionConfig) int {
	bytesPerSample := 2
	if cfg.Encoding == speechpb.RecognitionConfig_MULAW {
		bytesPerSample = 1
	}
	return n / (bytesPerSample * int(cfg.SampleRateHertz))
}

// joinResults concatenates the best alternative of each result; confidence
// is their mean.
func joinResults(results []*speechpb.SpeechRecognitionResult) (string, float64) {
	var parts []string
	var sum float64
	for _, r := range results {
		if len(r.Alternatives) == 0 {
			continue
		}
		best := r.Alternatives[0]
		if t := strings.TrimSpace(best.Transcript); t != "" {
			parts = append(parts, t)
			sum += float64(best.Confidence)
		}
	}
	if len(parts) == 0 {
		return "", 0
	}
	return strings.Join(parts, " "), sum / float64(len(parts))
}
