package domain

import (
	"errors"
	"testing"
	"time"
)

func newActiveLoan(t *testing.T) Loan {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return NewLoan("loan-1", "book-1", "user-1", now.AddDate(0, 0, 14), "", now)
}

func TestNewLoanStartsActive(t *testing.T) {
	l := newActiveLoan(t)
	if l.Status != LoanActive {
		t.Fatalf("status = %q, want active", l.Status)
	}
	if l.ReturnDate != nil {
		t.Fatalf("expected nil return date on new loan")
	}
	if !l.LoanDate.Equal(l.CreatedAt) {
		t.Fatalf("loanDate should default to creation time")
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	now := time.Now().UTC()

	returned := newActiveLoan(t)
	if err := returned.MarkReturned(now); err != nil {
		t.Fatalf("return active loan: %v", err)
	}
	canceled := newActiveLoan(t)
	if err := canceled.Cancel(now); err != nil {
		t.Fatalf("cancel active loan: %v", err)
	}

	for _, l := range []Loan{returned, canceled} {
		before := l
		if err := l.MarkReturned(now); !errors.Is(err, ErrLoanNotActive) {
			t.Fatalf("%s: return err = %v, want ErrLoanNotActive", before.Status, err)
		}
		if err := l.Cancel(now); !errors.Is(err, ErrLoanNotActive) {
			t.Fatalf("%s: cancel err = %v, want ErrLoanNotActive", before.Status, err)
		}
		if err := l.Extend(3, now); !errors.Is(err, ErrLoanNotActive) {
			t.Fatalf("%s: extend err = %v, want ErrLoanNotActive", before.Status, err)
		}
		if l.Status != before.Status || !l.DueDate.Equal(before.DueDate) {
			t.Fatalf("%s: rejected transition mutated loan", before.Status)
		}
	}
}

func TestReturnDateOnlySetOnReturn(t *testing.T) {
	now := time.Now().UTC()
	returned := newActiveLoan(t)
	_ = returned.MarkReturned(now)
	if returned.ReturnDate == nil || !returned.ReturnDate.Equal(now) {
		t.Fatalf("return date = %v, want %v", returned.ReturnDate, now)
	}

	canceled := newActiveLoan(t)
	_ = canceled.Cancel(now)
	if canceled.ReturnDate != nil {
		t.Fatalf("canceled loan must not carry a return date")
	}
}

func TestExtendAddsCalendarDays(t *testing.T) {
	l := newActiveLoan(t)
	due := l.DueDate
	if err := l.Extend(7, time.Now()); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if want := due.AddDate(0, 0, 7); !l.DueDate.Equal(want) {
		t.Fatalf("due = %v, want %v", l.DueDate, want)
	}
	if !l.DueDate.After(due) {
		t.Fatalf("extension must move due date forward")
	}
}

func TestExtendRejectsOutOfRangeDays(t *testing.T) {
	l := newActiveLoan(t)
	for _, days := range []int{0, -3, MaxExtensionDays + 1, 3000000} {
		if err := l.Extend(days, time.Now()); !errors.Is(err, ErrInvalidExtendDays) {
			t.Fatalf("extend(%d) err = %v, want ErrInvalidExtendDays", days, err)
		}
	}
}

func TestExtendKeepsDueDateEncodable(t *testing.T) {
	l := newActiveLoan(t)
	l.DueDate = time.Date(9995, 1, 1, 0, 0, 0, 0, time.UTC)
	before := l.DueDate
	if err := l.Extend(MaxExtensionDays, time.Now()); !errors.Is(err, ErrInvalidExtendDays) {
		t.Fatalf("extend past year 9999 err = %v, want ErrInvalidExtendDays", err)
	}
	if !l.DueDate.Equal(before) {
		t.Fatalf("rejected extension moved due date to %v", l.DueDate)
	}
	l.DueDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := l.Extend(MaxExtensionDays, time.Now()); err != nil {
		t.Fatalf("extend by the maximum: %v", err)
	}
}

func TestSetNoteLeavesLifecycleFieldsAlone(t *testing.T) {
	l := newActiveLoan(t)
	_ = l.MarkReturned(time.Now())
	before := l
	l.SetNote("spine cracked", time.Now())
	if l.Note != "spine cracked" {
		t.Fatalf("note = %q", l.Note)
	}
	if l.Status != before.Status || !l.DueDate.Equal(before.DueDate) || l.ReturnDate != before.ReturnDate {
		t.Fatalf("note update changed lifecycle fields")
	}
}

func TestParseBookCondition(t *testing.T) {
	if c, ok := ParseBookCondition("damaged"); !ok || c != ConditionDamaged {
		t.Fatalf("damaged not parsed")
	}
	if _, ok := ParseBookCondition("lost"); ok {
		t.Fatalf("unexpected condition accepted")
	}
	if _, ok := ParseBookCondition(""); ok {
		t.Fatalf("empty condition accepted")
	}
}
