package models

import "errors"

var ErrPresetIndex = errors.New("preset index out of range")

// Presets are named shortcut values such as recurring group labels.
type Presets []string

// Add appends v unless it is already present. It reports whether v was added.
func (p Presets) Add(v string) (Presets, bool) {
	for _, existing := range p {
		if existing == v {
			return p, false
		}
	}
	return append(p, v), true
}

// Replace sets the preset at position i.
func (p Presets) Replace(i int, v string) (Presets, error) {
	if i < 0 || i >= len(p) {
		return p, ErrPresetIndex
	}
	out := append(Presets(nil), p...)
	out[i] = v
	return out, nil
}

// Remove deletes the preset at position i.
func (p Presets) Remove(i int) (Presets, error) {
	if i < 0 || i >= len(p) {
		return p, ErrPresetIndex
	}
	out := make(Presets, 0, len(p)-1)
	out = append(out, p[:i]...)
	return append(out, p[i+1:]...), nil
}
