package ptr

// FromValue returns a pointer to a copy of v.
func FromValue[T any](v T) *T {
	return &v
}

// FromPtr dereferences x, returning the zero value when x is nil.
func FromPtr[T any](x *T) T {
	if x == nil {
		var zero T
		return zero
	}

	return *x
}

// FromPtrOr dereferences x, returning v when x is nil.
func FromPtrOr[T any](x *T, v T) T {
	if x == nil {
		return v
	}

	return *x
}

// Clone returns a pointer to a shallow copy of *x, or nil when x is nil.
func Clone[T any](x *T) *T {
	if x == nil {
		return nil
	}

	v := *x
	return &v
}

// CloneOr clones x, falling back to a clone of fallback when x is nil.
func CloneOr[T any](x *T, fallback *T) *T {
	if x == nil {
		return Clone(fallback)
	}

	return Clone(x)
}

// CloneSlice returns a copy of x sharing no backing storage with it.
func CloneSlice[T any](x []T) []T {
	if x == nil {
		return nil
	}

	return append([]T(nil), x...)
}
