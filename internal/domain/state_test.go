package domain

import (
	"errors"
	"testing"
)

func TestValidTransition_AllowedEdges(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{StatePending, StateStarted},
		{StateStarted, StateSuccess},
		{StateStarted, StateFailure},
		{StateStarted, StateRetry},
		{StateRetry, StatePending},
	}

	for _, tt := range allowed {
		if !ValidTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}
}

func TestValidTransition_IllegalEdges(t *testing.T) {
	illegal := []struct{ from, to TaskState }{
		{StatePending, StateSuccess},
		{StatePending, StateFailure},
		{StatePending, StateRetry},
		{StateSuccess, StateStarted},
		{StateSuccess, StateFailure},
		{StateFailure, StateSuccess},
		{StateFailure, StatePending},
		{StateRetry, StateStarted},
	}

	for _, tt := range illegal {
		if ValidTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
	}
}

func TestValidTransition_SameStateIsIdempotent(t *testing.T) {
	// Повторная запись того же состояния — идемпотентность Result Store
	for _, s := range []TaskState{StatePending, StateStarted, StateRetry, StateSuccess, StateFailure} {
		if !ValidTransition(s, s) {
			t.Errorf("%s -> %s should be allowed (idempotent write)", s, s)
		}
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	if !StateSuccess.IsTerminal() || !StateFailure.IsTerminal() {
		t.Error("SUCCESS and FAILURE should be terminal")
	}
	if StatePending.IsTerminal() || StateStarted.IsTerminal() || StateRetry.IsTerminal() {
		t.Error("PENDING/STARTED/RETRY should not be terminal")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"transient", Transient(errors.New("connection reset")), ErrorKindTransient},
		{"permanent", Permanent(errors.New("bad input")), ErrorKindPermanent},
		{"timeout", ErrTimeLimitExceeded, ErrorKindTimeout},
		{"unclassified defaults to transient", errors.New("boom"), ErrorKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := ClassifyError(tt.err, 2)
			if payload.Kind != tt.want {
				t.Errorf("expected kind %s, got %s", tt.want, payload.Kind)
			}
			if payload.Attempt != 2 {
				t.Errorf("expected attempt 2, got %d", payload.Attempt)
			}
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Transient(cause)

	if !IsTransient(err) {
		t.Error("expected IsTransient")
	}
	if IsPermanent(err) {
		t.Error("transient error should not be permanent")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}
