package events

import "testing"

func TestIsTerminalSignal(t *testing.T) {
	terminal := []Type{TypeSessionComplete, TypeHarnessLoopKill, TypeHarnessAbort, TypeHarnessError}
	for _, ty := range terminal {
		e := Event{Type: ty}
		if !e.IsTerminalSignal() {
			t.Errorf("expected %s to be terminal", ty)
		}
	}

	nonTerminal := []Type{TypeUserMessage, TypeAgentText, TypeHarnessLoopWarning, TypeSessionStatus}
	for _, ty := range nonTerminal {
		e := Event{Type: ty}
		if e.IsTerminalSignal() {
			t.Errorf("expected %s to not be terminal", ty)
		}
	}
}
