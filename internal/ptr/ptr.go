// Package ptr provides pointer helpers for optional row fields.
package ptr

// To returns a pointer to the given value.
func To[T any](v T) *T {
	return &v
}

// Deref returns the pointed-to value, or def when the pointer is nil.
func Deref[T any](p *T, def T) T {
	if p != nil {
		return *p
	}
	return def
}
