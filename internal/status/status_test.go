package status

import "testing"

func TestExactNumericValues(t *testing.T) {
	cases := map[Status]int{
		Success:   0,
		Failure:   1,
		Missing:   2,
		NotReady:  75,
		ForceSkip: 122,
		ForceFail: 123,
		Unknown:   124,
		Skip:      125,
		Unchanged: 126,
	}
	for s, want := range cases {
		if int(s) != want {
			t.Errorf("%s = %d, want %d", s, int(s), want)
		}
	}
}

func TestFromExitCode(t *testing.T) {
	if got := FromExitCode(0); got != Success {
		t.Errorf("FromExitCode(0) = %v, want Success", got)
	}
	if got := FromExitCode(123); got != ForceFail {
		t.Errorf("FromExitCode(123) = %v, want ForceFail", got)
	}
	if got := FromExitCode(17); got != Failure {
		t.Errorf("FromExitCode(17) = %v, want Failure", got)
	}
}

func TestPredecessorOK(t *testing.T) {
	ok := []Status{Success, Skip, ForceSkip, Unchanged}
	notOK := []Status{Failure, Missing, NotReady, ForceFail, Unknown}
	for _, s := range ok {
		if !PredecessorOK(s) {
			t.Errorf("PredecessorOK(%v) = false, want true", s)
		}
	}
	for _, s := range notOK {
		if PredecessorOK(s) {
			t.Errorf("PredecessorOK(%v) = true, want false", s)
		}
	}
}
