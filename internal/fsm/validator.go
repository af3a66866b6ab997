// Package fsm は looplab/fsm を使ってジョブの状態遷移を検証します。
package fsm

import (
	"context"
	"errors"

	loopfsm "github.com/looplab/fsm"

	"github.com/yourusername/doc-forge/internal/domain"
)

var _ domain.TransitionValidator = (*Validator)(nil)

// 同じ event/dst を持つ遷移は 1 つの EventDesc にまとめる
var events = buildEvents()

func buildEvents() []loopfsm.EventDesc {
	type key struct {
		event string
		dst   string
	}
	grouped := make(map[key][]string)
	order := make([]key, 0, len(domain.Transitions))

	for _, t := range domain.Transitions {
		k := key{event: string(t.Event), dst: string(t.Dst)}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], string(t.Src))
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, k := range order {
		out = append(out, loopfsm.EventDesc{
			Name: k.event,
			Src:  grouped[k],
			Dst:  k.dst,
		})
	}
	return out
}

// Validator は domain.TransitionValidator の実装です。
// looplab/fsm は現在状態を内部に持つため、Apply ごとに短命な FSM を生成します。
type Validator struct{}

// New は Validator を作成します。
func New() *Validator {
	return &Validator{}
}

// Apply は current から event を適用した遷移先を返します。
// 許可されていない遷移は domain.TransitionError になります。
func (v *Validator) Apply(ctx context.Context, current domain.Status, event domain.Event) (domain.Status, error) {
	machine := loopfsm.NewFSM(string(current), events, nil)

	if err := machine.Event(ctx, string(event)); err != nil {
		var invalidEvent loopfsm.InvalidEventError
		var noTransition loopfsm.NoTransitionError
		if errors.As(err, &invalidEvent) || errors.As(err, &noTransition) {
			return "", &domain.TransitionError{Event: event, Current: current}
		}
		return "", err
	}
	return domain.Status(machine.Current()), nil
}
