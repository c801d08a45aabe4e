package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestManager_ClosesInReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	for _, name := range []string{"store", "notifier", "sweeper"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"sweeper", "notifier", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
}

func TestManager_JoinsErrorsAndClosesEverything(t *testing.T) {
	m := NewManager(zerolog.Nop())
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	closed := 0
	m.RegisterFunc("a", func() error { closed++; return errA })
	m.RegisterFunc("ok", func() error { closed++; return nil })
	m.RegisterFunc("b", func() error { closed++; return errB })
	m.Register("nil", nil)

	err := m.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Close error = %v, want both failures", err)
	}
	if closed != 3 {
		t.Errorf("closed = %d, want 3", closed)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if closed != 3 {
		t.Errorf("second Close re-ran closers")
	}
}
