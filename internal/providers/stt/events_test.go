package stt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResults(t *testing.T) {
	evs, err := ParseEvents([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"hi doctor","confidence":0.93}]},"is_final":true,"speech_final":true}`))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, Event{Kind: EventTranscript, Text: "hi doctor", Confidence: 0.93, IsFinal: true}, evs[0])
	assert.Equal(t, EventSpeechEnded, evs[1].Kind)
}

func TestParseUntypedInterim(t *testing.T) {
	evs, err := ParseEvents([]byte(`{"channel":{"alternatives":[{"transcript":"hi","confidence":0.5}]},"is_final":false,"speech_final":false}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].IsFinal)
}

func TestParseControlEvents(t *testing.T) {
	evs, err := ParseEvents([]byte(`{"type":"SpeechStarted","timestamp":1.2}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Kind: EventSpeechStarted}}, evs)

	evs, err = ParseEvents([]byte(`{"type":"UtteranceEnd"}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Kind: EventSpeechEnded}}, evs)

	evs, err = ParseEvents([]byte(`{"type":"Error","description":"bad audio"}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{{Kind: EventError, Message: "bad audio"}}, evs)

	evs, err = ParseEvents([]byte(`{"type":"Metadata","request_id":"x"}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestParseEmptyTranscriptYieldsNothing(t *testing.T) {
	evs, err := ParseEvents([]byte(`{"channel":{"alternatives":[{"transcript":"","confidence":0}]},"is_final":false}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"Results"}`, `{"type":"Mystery"}`, `{"channel":{"alternatives":[]}}`} {
		_, err := ParseEvents([]byte(raw))
		assert.ErrorIs(t, err, ErrProtocol, raw)
	}
}
