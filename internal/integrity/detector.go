package integrity

import (
	"strings"
	"time"

	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/scoring"
)

// Capability names an environment surface a sensor can watch.
type Capability string

const (
	CapVisibility Capability = "document_visibility"
	CapFullscreen Capability = "fullscreen"
	CapKeyboard   Capability = "keyboard"
	CapClipboard  Capability = "clipboard"
	CapPointer    Capability = "pointer"
	// CapCapture reports the proctoring capture device. It is handled by the
	// machine directly rather than by a sensor.
	CapCapture Capability = "capture_device"
)

// Signal is a raw environment observation forwarded by the lockdown agent.
type Signal struct {
	Capability Capability `json:"capability"`
	Type       string     `json:"type"`
	Key        string     `json:"key,omitempty"`
	Ctrl       bool       `json:"ctrl,omitempty"`
	Shift      bool       `json:"shift,omitempty"`
	Alt        bool       `json:"alt,omitempty"`
	Meta       bool       `json:"meta,omitempty"`
}

// Sensor classifies signals from one capability.
type Sensor interface {
	Capability() Capability
	Classify(sig Signal) (model.EventKind, bool)
}

type visibilitySensor struct{}

func (visibilitySensor) Capability() Capability { return CapVisibility }

func (visibilitySensor) Classify(sig Signal) (model.EventKind, bool) {
	switch sig.Type {
	case "hidden", "visibilitychange":
		return model.EventTabSwitch, true
	case "blur", "mouseleave":
		return model.EventWindowBlur, true
	}
	return "", false
}

type fullscreenSensor struct{}

func (fullscreenSensor) Capability() Capability { return CapFullscreen }

func (fullscreenSensor) Classify(sig Signal) (model.EventKind, bool) {
	if sig.Type == "exit" || sig.Type == "fullscreenchange" {
		return model.EventFullscreenExit, true
	}
	return "", false
}

type clipboardSensor struct{}

func (clipboardSensor) Capability() Capability { return CapClipboard }

func (clipboardSensor) Classify(sig Signal) (model.EventKind, bool) {
	switch sig.Type {
	case "copy", "cut":
		return model.EventCopyAttempt, true
	case "paste":
		return model.EventPasteAttempt, true
	}
	return "", false
}

type pointerSensor struct{}

func (pointerSensor) Capability() Capability { return CapPointer }

func (pointerSensor) Classify(sig Signal) (model.EventKind, bool) {
	if sig.Type == "contextmenu" {
		return model.EventRightClick, true
	}
	return "", false
}

// keyboardSensor flags developer-tool shortcuts and other prohibited
// combinations. A "devtools" signal carries the agent's own heuristic.
type keyboardSensor struct{}

func (keyboardSensor) Capability() Capability { return CapKeyboard }

func (keyboardSensor) Classify(sig Signal) (model.EventKind, bool) {
	if sig.Type == "devtools" {
		return model.EventDevToolsSuspected, true
	}
	if sig.Type != "keydown" {
		return "", false
	}

	key := strings.ToLower(sig.Key)
	mod := sig.Ctrl || sig.Meta
	switch {
	case key == "f12":
		return model.EventDevToolsSuspected, true
	case mod && sig.Shift && (key == "i" || key == "j" || key == "c"):
		return model.EventDevToolsSuspected, true
	case sig.Meta && sig.Alt && (key == "i" || key == "j"):
		return model.EventDevToolsSuspected, true
	case key == "printscreen":
		return model.EventProhibitedKeyCombo, true
	case mod && !sig.Shift && (key == "u" || key == "s" || key == "p"):
		return model.EventProhibitedKeyCombo, true
	}
	return "", false
}

// Detector turns raw signals into weighted security events. Every signal
// that produces an event is denied in the same call, so detection never
// happens without the default action being blocked.
type Detector struct {
	sensors     map[Capability]Sensor
	burstWindow time.Duration
	denier      Denier
}

// NewDetector attaches the sensors enabled by the security settings.
func NewDetector(sec model.SecuritySettings, burstWindow time.Duration) *Detector {
	d := &Detector{
		sensors:     make(map[Capability]Sensor),
		burstWindow: burstWindow,
	}
	add := func(s Sensor) { d.sensors[s.Capability()] = s }

	if sec.PreventCheating {
		add(visibilitySensor{})
		add(keyboardSensor{})
	}
	if sec.FullScreen {
		add(fullscreenSensor{})
	}
	if sec.PreventCopyPaste {
		add(clipboardSensor{})
	}
	if sec.DisableRightClick {
		add(pointerSensor{})
	}
	return d
}

// Enabled reports whether a sensor watches c.
func (d *Detector) Enabled(c Capability) bool {
	_, ok := d.sensors[c]
	return ok
}

// Capabilities lists the watched capabilities.
func (d *Detector) Capabilities() []Capability {
	out := make([]Capability, 0, len(d.sensors))
	for c := range d.sensors {
		out = append(out, c)
	}
	return out
}

func (d *Detector) attach(denier Denier) { d.denier = denier }
func (d *Detector) detach()              { d.denier = nil }

// Attached reports whether the detector is bound to a lockdown context.
func (d *Detector) Attached() bool { return d.denier != nil }

// Detect classifies sig observed at time at. lastViolation is the time of
// the previous violation, used for the burst bonus. It returns false when
// the detector is detached or no sensor claims the signal.
func (d *Detector) Detect(sig Signal, at time.Time, questionIndex int, lastViolation time.Time) (model.SecurityEvent, bool) {
	if d.denier == nil {
		return model.SecurityEvent{}, false
	}
	s, ok := d.sensors[sig.Capability]
	if !ok {
		return model.SecurityEvent{}, false
	}
	kind, ok := s.Classify(sig)
	if !ok {
		return model.SecurityEvent{}, false
	}

	d.denier.Deny(sig)

	burst := scoring.IsBurst(lastViolation, at, d.burstWindow)
	return model.SecurityEvent{
		Kind:           kind,
		Timestamp:      at,
		QuestionIndex:  questionIndex,
		SeverityWeight: scoring.Weigh(kind, burst),
		Burst:          burst,
		Detail:         describe(sig),
	}, true
}

func describe(sig Signal) string {
	if sig.Key == "" {
		return sig.Type
	}
	var b strings.Builder
	if sig.Ctrl {
		b.WriteString("Ctrl+")
	}
	if sig.Meta {
		b.WriteString("Meta+")
	}
	if sig.Alt {
		b.WriteString("Alt+")
	}
	if sig.Shift {
		b.WriteString("Shift+")
	}
	b.WriteString(sig.Key)
	return b.String()
}
