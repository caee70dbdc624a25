package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/scoring"
)

func allSensors() model.SecuritySettings {
	return model.SecuritySettings{PreventCheating: true, FullScreen: true, DisableRightClick: true, PreventCopyPaste: true}
}

func TestDetectorClassifies(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		kind model.EventKind
		ok   bool
	}{
		{"tab hidden", Signal{Capability: CapVisibility, Type: "hidden"}, model.EventTabSwitch, true},
		{"window blur", Signal{Capability: CapVisibility, Type: "blur"}, model.EventWindowBlur, true},
		{"visible again", Signal{Capability: CapVisibility, Type: "visible"}, "", false},
		{"fullscreen exit", Signal{Capability: CapFullscreen, Type: "exit"}, model.EventFullscreenExit, true},
		{"copy", Signal{Capability: CapClipboard, Type: "copy"}, model.EventCopyAttempt, true},
		{"cut", Signal{Capability: CapClipboard, Type: "cut"}, model.EventCopyAttempt, true},
		{"paste", Signal{Capability: CapClipboard, Type: "paste"}, model.EventPasteAttempt, true},
		{"context menu", Signal{Capability: CapPointer, Type: "contextmenu"}, model.EventRightClick, true},
		{"F12", Signal{Capability: CapKeyboard, Type: "keydown", Key: "F12"}, model.EventDevToolsSuspected, true},
		{"ctrl shift i", Signal{Capability: CapKeyboard, Type: "keydown", Key: "I", Ctrl: true, Shift: true}, model.EventDevToolsSuspected, true},
		{"ctrl shift j", Signal{Capability: CapKeyboard, Type: "keydown", Key: "j", Ctrl: true, Shift: true}, model.EventDevToolsSuspected, true},
		{"ctrl shift c", Signal{Capability: CapKeyboard, Type: "keydown", Key: "c", Ctrl: true, Shift: true}, model.EventDevToolsSuspected, true},
		{"cmd alt i", Signal{Capability: CapKeyboard, Type: "keydown", Key: "i", Meta: true, Alt: true}, model.EventDevToolsSuspected, true},
		{"view source", Signal{Capability: CapKeyboard, Type: "keydown", Key: "u", Ctrl: true}, model.EventProhibitedKeyCombo, true},
		{"save page", Signal{Capability: CapKeyboard, Type: "keydown", Key: "s", Meta: true}, model.EventProhibitedKeyCombo, true},
		{"print", Signal{Capability: CapKeyboard, Type: "keydown", Key: "p", Ctrl: true}, model.EventProhibitedKeyCombo, true},
		{"print screen", Signal{Capability: CapKeyboard, Type: "keydown", Key: "PrintScreen"}, model.EventProhibitedKeyCombo, true},
		{"plain typing", Signal{Capability: CapKeyboard, Type: "keydown", Key: "a"}, "", false},
		{"ctrl a", Signal{Capability: CapKeyboard, Type: "keydown", Key: "a", Ctrl: true}, "", false},
		{"devtools heuristic", Signal{Capability: CapKeyboard, Type: "devtools"}, model.EventDevToolsSuspected, true},
		{"unknown capability", Signal{Capability: "gamepad", Type: "press"}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector(allSensors(), scoring.DefaultBurstWindow)
			denied := &denials{}
			d.attach(denied)

			ev, ok := d.Detect(tc.sig, t0, 2, time.Time{})
			require.Equal(t, tc.ok, ok)
			if !ok {
				assert.Zero(t, denied.Count(), "unclassified signals are not denied")
				return
			}
			assert.Equal(t, tc.kind, ev.Kind)
			assert.Equal(t, 2, ev.QuestionIndex)
			assert.Equal(t, scoring.BaseWeight(tc.kind), ev.SeverityWeight)
			assert.Equal(t, 1, denied.Count())
		})
	}
}

func TestDetectorSensorsFollowSettings(t *testing.T) {
	d := NewDetector(model.SecuritySettings{PreventCopyPaste: true}, scoring.DefaultBurstWindow)
	assert.True(t, d.Enabled(CapClipboard))
	assert.False(t, d.Enabled(CapVisibility))
	assert.False(t, d.Enabled(CapKeyboard))
	assert.False(t, d.Enabled(CapPointer))
	assert.False(t, d.Enabled(CapFullscreen))
	assert.Len(t, d.Capabilities(), 1)
}

func TestDetachedDetectorIgnoresSignals(t *testing.T) {
	d := NewDetector(allSensors(), scoring.DefaultBurstWindow)
	_, ok := d.Detect(tabSwitch, t0, 0, time.Time{})
	assert.False(t, ok)

	denied := &denials{}
	d.attach(denied)
	d.detach()
	_, ok = d.Detect(tabSwitch, t0, 0, time.Time{})
	assert.False(t, ok)
	assert.Zero(t, denied.Count())
}

func TestDetectorBurst(t *testing.T) {
	d := NewDetector(allSensors(), 2*time.Second)
	d.attach(&denials{})

	ev, _ := d.Detect(tabSwitch, t0.Add(1500*time.Millisecond), 0, t0)
	assert.True(t, ev.Burst)
	assert.Equal(t, 5+scoring.BurstBonus, ev.SeverityWeight)

	ev, _ = d.Detect(tabSwitch, t0.Add(2*time.Second), 0, t0)
	assert.False(t, ev.Burst)
	assert.Equal(t, 5, ev.SeverityWeight)
}

func TestDetectorDescribesKeys(t *testing.T) {
	d := NewDetector(allSensors(), 0)
	d.attach(&denials{})
	ev, ok := d.Detect(Signal{Capability: CapKeyboard, Type: "keydown", Key: "I", Ctrl: true, Shift: true}, t0, 0, time.Time{})
	require.True(t, ok)
	assert.Equal(t, "Ctrl+Shift+I", ev.Detail)
}
