package nats

import "testing"

func TestSubject(t *testing.T) {
	got := Subject("demo-events", "demo-consumers")
	want := "relay.demo-events.demo-consumers"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestSubjectEscapesDots(t *testing.T) {
	got := Subject("orders.created", "billing.service")
	want := "relay.orders_created.billing_service"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
