package orders

import "testing"

func TestStatusValid(t *testing.T) {
	t.Parallel()
	valid := []Status{
		StatusUnpaid, StatusPaid, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded, StatusOverdue,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Fatalf("%s reported invalid", s)
		}
	}
	for _, s := range []Status{"", "weird", "PAID"} {
		if s.Valid() {
			t.Fatalf("%q reported valid", s)
		}
	}
}
