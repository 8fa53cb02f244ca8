package worktime

import (
	"strings"
	"testing"
)

func TestPolicyEligible(t *testing.T) {
	allow, err := NewPolicy("", []string{"work1", "work2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	deny, err := NewPolicy("deny", nil, []string{"afk"})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		p    Policy
		ch   string
		want bool
	}{
		{allow, "work1", true},
		{allow, "lounge", false},
		{allow, "", false},
		{deny, "lounge", true},
		{deny, "afk", false},
		{deny, "", false},
	}
	for _, c := range cases {
		if got := c.p.Eligible(c.ch); got != c.want {
			t.Fatalf("%s Eligible(%q)=%v want %v", c.p.Mode(), c.ch, got, c.want)
		}
	}
}

func TestPolicyClassify(t *testing.T) {
	p, _ := NewPolicy(PolicyAllow, []string{"w"}, nil)
	cases := []struct {
		before, after string
		was, is       bool
	}{
		{"", "w", false, true},
		{"w", "", true, false},
		{"w", "lounge", true, false},
		{"lounge", "w", false, true},
		{"w", "w", true, true},
		{"", "lounge", false, false},
	}
	for _, c := range cases {
		was, is := p.Classify(c.before, c.after)
		if was != c.was || is != c.is {
			t.Fatalf("Classify(%q,%q)=(%v,%v)", c.before, c.after, was, is)
		}
	}
}

func TestPolicyRejectsMixedLists(t *testing.T) {
	cases := []struct {
		mode              string
		targets, excluded []string
		want              string
	}{
		{"allow", []string{"a"}, []string{"b"}, "target channels only"},
		{"deny", []string{"a"}, []string{"b"}, "excluded channels only"},
		{"maybe", nil, nil, "unknown policy"},
	}
	for _, c := range cases {
		_, err := NewPolicy(c.mode, c.targets, c.excluded)
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: err=%v", c.mode, err)
		}
	}
}
