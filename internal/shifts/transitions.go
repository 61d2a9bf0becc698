package shifts

import (
	"github.com/looplab/fsm"

	"fieldtrack-backend/internal/models"
)

// The transition graph is declared as looplab/fsm event descriptors, one
// event per destination state. Validity of a from→to pair is answered by
// the fsm, which stays the single definition of the graph.
var transitionEvents = []fsm.EventDesc{
	{Name: enterEvent(models.ShiftStateCheckingIn), Src: []string{
		string(models.ShiftStateIdle),
	}, Dst: string(models.ShiftStateCheckingIn)},

	{Name: enterEvent(models.ShiftStateInShift), Src: []string{
		string(models.ShiftStateCheckingIn),
		string(models.ShiftStateOnBreak),
		string(models.ShiftStateCheckingOut),
	}, Dst: string(models.ShiftStateInShift)},

	{Name: enterEvent(models.ShiftStateOnBreak), Src: []string{
		string(models.ShiftStateInShift),
	}, Dst: string(models.ShiftStateOnBreak)},

	{Name: enterEvent(models.ShiftStateCheckingOut), Src: []string{
		string(models.ShiftStateInShift),
		string(models.ShiftStateOnBreak),
	}, Dst: string(models.ShiftStateCheckingOut)},

	{Name: enterEvent(models.ShiftStatePostShift), Src: []string{
		string(models.ShiftStateCheckingOut),
	}, Dst: string(models.ShiftStatePostShift)},

	{Name: enterEvent(models.ShiftStateCompleted), Src: []string{
		string(models.ShiftStatePostShift),
	}, Dst: string(models.ShiftStateCompleted)},

	{Name: enterEvent(models.ShiftStateCancelled), Src: []string{
		string(models.ShiftStateCheckingIn),
		string(models.ShiftStateInShift),
		string(models.ShiftStateOnBreak),
	}, Dst: string(models.ShiftStateCancelled)},

	{Name: enterEvent(models.ShiftStateIdle), Src: []string{
		string(models.ShiftStatePostShift),
		string(models.ShiftStateCompleted),
		string(models.ShiftStateCancelled),
	}, Dst: string(models.ShiftStateIdle)},
}

func enterEvent(to models.ShiftState) string {
	return "enter_" + string(to)
}

// CanTransition reports whether the transition table allows from → to.
func CanTransition(from, to models.ShiftState) bool {
	machine := fsm.NewFSM(string(from), transitionEvents, nil)
	return machine.Can(enterEvent(to))
}

// AllowedTransitions lists the states reachable from the given state.
func AllowedTransitions(from models.ShiftState) []models.ShiftState {
	machine := fsm.NewFSM(string(from), transitionEvents, nil)

	var out []models.ShiftState
	for _, event := range machine.AvailableTransitions() {
		for _, desc := range transitionEvents {
			if desc.Name == event {
				out = append(out, models.ShiftState(desc.Dst))
				break
			}
		}
	}
	return out
}
