package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/yourusername/doc-forge/internal/domain"
)

func TestApplyAllowedTransitions(t *testing.T) {
	v := New()
	for _, tr := range domain.Transitions {
		got, err := v.Apply(context.Background(), tr.Src, tr.Event)
		if err != nil {
			t.Fatalf("Apply(%s, %s) returned error: %v", tr.Src, tr.Event, err)
		}
		if got != tr.Dst {
			t.Fatalf("Apply(%s, %s) = %s, want %s", tr.Src, tr.Event, got, tr.Dst)
		}
	}
}

func TestApplyRejectsBackwardsAndTerminal(t *testing.T) {
	v := New()
	cases := []struct {
		current domain.Status
		event   domain.Event
	}{
		{domain.StatusPending, domain.EventComplete},
		{domain.StatusPending, domain.EventFail},
		{domain.StatusProcessing, domain.EventDispatch},
		{domain.StatusCompleted, domain.EventDispatch},
		{domain.StatusCompleted, domain.EventFail},
		{domain.StatusFailed, domain.EventComplete},
		{domain.StatusFailed, domain.EventDispatch},
	}
	for _, tc := range cases {
		_, err := v.Apply(context.Background(), tc.current, tc.event)
		var te *domain.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("Apply(%s, %s) err = %v, want TransitionError", tc.current, tc.event, err)
		}
		if te.Current != tc.current || te.Event != tc.event {
			t.Fatalf("unexpected TransitionError: %+v", te)
		}
	}
}
