package bump

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	trig := &Trigger{ID: "T1", ObservedAt: t0}
	cases := []struct {
		name    string
		trigger *Trigger
		acked   string
		now     time.Time
		want    DecisionKind
	}{
		{"no trigger", nil, "", t0, NoTrigger},
		{"empty id", &Trigger{}, "", t0, NoTrigger},
		{"already acked", trig, "T1", t0.Add(5 * time.Hour), AlreadyAcked},
		{"too early", trig, "", t0.Add(90 * time.Minute), TooEarly},
		{"exactly due", trig, "", t0.Add(2 * time.Hour), Owed},
		{"overdue with older marker", trig, "T0", t0.Add(130 * time.Minute), Owed},
	}
	for _, c := range cases {
		got := Decide(c.trigger, c.acked, c.now, DefaultCooldown)
		if got.Kind != c.want {
			t.Fatalf("%s: got %v want %v", c.name, got.Kind, c.want)
		}
	}
}

func TestDecideDueAt(t *testing.T) {
	d := Decide(&Trigger{ID: "T1", ObservedAt: t0}, "", t0, time.Hour)
	if d.Kind != TooEarly || !d.DueAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("decision=%+v", d)
	}
}
