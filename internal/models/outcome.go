package models

import "time"

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeNoAnswer  OutcomeStatus = "no-answer"
	OutcomeBusy      OutcomeStatus = "busy"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeVoicemail OutcomeStatus = "voicemail"
)

type NextAction string

const (
	NextCallback NextAction = "callback"
	NextRemove   NextAction = "remove"
	NextEmail    NextAction = "email"
	NextText     NextAction = "text"
)

type CallOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Duration     *int          `json:"duration,omitempty"` // seconds
	Notes        string        `json:"notes,omitempty"`
	NextAction   NextAction    `json:"nextAction,omitempty"`
	CallbackDate *time.Time    `json:"callbackDate,omitempty"`
}

func (o CallOutcome) Valid() bool {
	switch o.Status {
	case OutcomeCompleted, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed, OutcomeVoicemail:
	default:
		return false
	}
	switch o.NextAction {
	case "", NextRemove, NextEmail, NextText:
		return true
	case NextCallback:
		return o.CallbackDate != nil
	default:
		return false
	}
}
