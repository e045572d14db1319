package dialog

import "github.com/fexd/fexd/internal/wire"

// stepper is the subset of Dialog needed to drive a Stacked sub-step.
type stepper interface {
	Dialog
}

// Runner is implemented by dialogs that need to send something the
// instant they're pushed, rather than waiting for an inbound frame.
// Returning done=true means the dialog completed without needing to see
// any inbound frame at all; the host pops it immediately in that case.
type Runner interface {
	Run(h Host) (done bool, err error)
}

// Stacked executes a fixed ordered list of dialogs in sequence, per spec
// §4.8.9: on pop-up, pop the next and push it; when the list is
// exhausted, Stacked itself ends. Pushing each step through Host.Push
// lets the host's own Runner-dispatch handle that step's immediate send,
// so Stacked itself never calls Run on its children directly.
type Stacked struct {
	baseDialog

	steps []stepper
	next  int
}

func NewStacked(steps ...stepper) *Stacked {
	return &Stacked{steps: steps}
}

func (d *Stacked) Name() string { return "Stacked" }

// Run pushes the first step immediately.
func (d *Stacked) Run(h Host) (bool, error) {
	if len(d.steps) == 0 {
		return true, nil
	}
	d.advance(h)
	return false, nil
}

func (d *Stacked) Step(h Host, f *wire.Frame) (bool, error) {
	if !isPopUp(f) {
		return false, nil
	}
	if d.next >= len(d.steps) {
		return true, nil
	}
	d.advance(h)
	return false, nil
}

func (d *Stacked) advance(h Host) {
	next := d.steps[d.next]
	d.next++
	h.Push(next)
}
