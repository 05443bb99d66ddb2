package filter

import (
	"strings"
	"testing"
)

func TestPredicateMatches(t *testing.T) {
	cases := []struct {
		name       string
		pred       Predicate
		apid, ctid string
		want       bool
	}{
		{"empty matches anything", nil, "SYS", "JOUR", true},
		{"exact pair", Predicate{{"SYS", "JOUR"}}, "SYS", "JOUR", true},
		{"exact pair mismatch", Predicate{{"SYS", "JOUR"}}, "APP", "CTX", false},
		{"wildcard context", Predicate{{"SYS", ""}}, "SYS", "ANY", true},
		{"wildcard application", Predicate{{"", "JOUR"}}, "ANY", "JOUR", true},
		{"second pair matches", Predicate{{"A", "B"}, {"SYS", "JOUR"}}, "SYS", "JOUR", true},
		{"empty ids against exact", Predicate{{"SYS", "JOUR"}}, "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pred.Matches(tc.apid, tc.ctid); got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.apid, tc.ctid, got, tc.want)
			}
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	if err := (Predicate{{"SYS", "JOUR"}}).Validate(); err != nil {
		t.Errorf("valid predicate rejected: %v", err)
	}
	if err := (Predicate{{"TOOLONG", "X"}}).Validate(); err == nil {
		t.Error("oversized application id accepted")
	}

	big := make(Predicate, MaxPairs+1)
	if err := big.Validate(); err == nil {
		t.Error("predicate above the pair limit accepted")
	}
	if err := big[:MaxPairs].Validate(); err != nil {
		t.Errorf("predicate at the pair limit rejected: %v", err)
	}
}

func TestRegistryMatch(t *testing.T) {
	r := NewRegistry()

	all, err := r.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	sysJour, err := r.Register(Predicate{{"SYS", "JOUR"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	appAny, err := r.Register(Predicate{{"APP", ""}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ids := r.Match("SYS", "JOUR")
	if len(ids) != 2 || ids[0] != all || ids[1] != sysJour {
		t.Errorf("Match(SYS, JOUR) = %v, want [%d %d]", ids, all, sysJour)
	}

	ids = r.Match("APP", "CTX")
	if len(ids) != 2 || ids[0] != all || ids[1] != appAny {
		t.Errorf("Match(APP, CTX) = %v, want [%d %d]", ids, all, appAny)
	}

	r.Unregister(sysJour)
	ids = r.Match("SYS", "JOUR")
	if len(ids) != 1 || ids[0] != all {
		t.Errorf("Match after Unregister = %v, want [%d]", ids, all)
	}

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(Predicate{{"ABCDE", ""}}); err == nil {
		t.Error("invalid predicate registered")
	}
	if r.Len() != 0 {
		t.Error("failed registration left state behind")
	}
}

func TestPredicateString(t *testing.T) {
	if got := MatchAll.String(); got != "(*,*)" {
		t.Errorf("MatchAll.String() = %q", got)
	}
	p := Predicate{{"SYS", "JOUR"}, {"APP", ""}}
	if got := p.String(); !strings.Contains(got, "(SYS,JOUR)") || !strings.Contains(got, "(APP,)") {
		t.Errorf("String() = %q", got)
	}
}
