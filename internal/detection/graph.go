package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"fleet-master/internal/model"
)

var (
	ErrNotFound          = errors.New("detection not found")
	ErrIllegalTransition = errors.New("illegal detection transition")
	ErrTerminal          = errors.New("detection already finished")
	ErrInFlight          = errors.New("sign-in already in progress")
)

// Events are named after their destination status.
var transitions = fsm.Events{
	{Name: string(model.DetectionEnc), Src: []string{string(model.DetectionPending)}, Dst: string(model.DetectionEnc)},
	{Name: string(model.DetectionPolling), Src: []string{string(model.DetectionPending)}, Dst: string(model.DetectionPolling)},
	{Name: string(model.DetectionWaiting), Src: []string{string(model.DetectionPending)}, Dst: string(model.DetectionWaiting)},
	{
		Name: string(model.DetectionProcessing),
		Src: []string{
			string(model.DetectionPending),
			string(model.DetectionEnc),
			string(model.DetectionWaiting),
			string(model.DetectionPolling),
		},
		Dst: string(model.DetectionProcessing),
	},
	{
		Name: string(model.DetectionSuccess),
		Src: []string{
			string(model.DetectionEnc),
			string(model.DetectionPolling),
			string(model.DetectionWaiting),
			string(model.DetectionProcessing),
		},
		Dst: string(model.DetectionSuccess),
	},
	{
		Name: string(model.DetectionFailed),
		Src: []string{
			string(model.DetectionPending),
			string(model.DetectionEnc),
			string(model.DetectionPolling),
			string(model.DetectionWaiting),
			string(model.DetectionProcessing),
		},
		Dst: string(model.DetectionFailed),
	},
}

// CheckTransition validates from -> to. Staying in the same status is always
// allowed; leaving success or failed never is.
func CheckTransition(from, to model.DetectionStatus) error {
	if _, ok := model.ParseDetectionStatus(string(to)); !ok {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, from, to)
	}

	machine := fsm.NewFSM(string(from), transitions, fsm.Callbacks{})
	if err := machine.Event(context.Background(), string(to)); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
