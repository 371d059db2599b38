package runtimex

import (
	"errors"
	"testing"
)

func TestPanicOnError(t *testing.T) {
	t.Run("with nil error", func(t *testing.T) {
		PanicOnError(nil, "should not happen")
	})

	t.Run("with non-nil error", func(t *testing.T) {
		expected := errors.New("mocked error")
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected a panic")
			}
			if !errors.Is(r.(error), expected) {
				t.Fatal("unexpected panic value", r)
			}
		}()
		PanicOnError(expected, "should happen")
	})
}

func TestAssert(t *testing.T) {
	t.Run("with true assertion", func(t *testing.T) {
		Assert(true, "should not happen")
	})

	t.Run("with false assertion", func(t *testing.T) {
		defer func() {
			if r := recover(); r != "should happen" {
				t.Fatal("unexpected panic value", r)
			}
		}()
		Assert(false, "should happen")
	})
}

func TestTry1(t *testing.T) {
	t.Run("with nil error", func(t *testing.T) {
		if v := Try1(17, nil); v != 17 {
			t.Fatal("unexpected value", v)
		}
	})

	t.Run("with non-nil error", func(t *testing.T) {
		expected := errors.New("mocked error")
		defer func() {
			r := recover()
			if r == nil || !errors.Is(r.(error), expected) {
				t.Fatal("unexpected panic value", r)
			}
		}()
		_ = Try1(17, expected)
	})
}

func TestTry2(t *testing.T) {
	t.Run("with nil error", func(t *testing.T) {
		v1, v2 := Try2(17, "x", nil)
		if v1 != 17 || v2 != "x" {
			t.Fatal("unexpected values", v1, v2)
		}
	})

	t.Run("with non-nil error", func(t *testing.T) {
		expected := errors.New("mocked error")
		defer func() {
			r := recover()
			if r == nil || !errors.Is(r.(error), expected) {
				t.Fatal("unexpected panic value", r)
			}
		}()
		_, _ = Try2(17, "x", expected)
	})
}
