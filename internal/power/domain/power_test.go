package power

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSourceRecordSeededActive(t *testing.T) {
	now := time.Unix(100, 0)
	rec := NewSourceRecord("kodi", now)
	if rec.Activity != ActivityActive || rec.Reported {
		t.Fatalf("unexpected seed: %+v", rec)
	}
}

func TestSourceRecordApplyTracksChanges(t *testing.T) {
	rec := NewSourceRecord("kodi", time.Unix(0, 0))

	if rec.Apply(Observation{SourceID: "kodi", Activity: ActivityActive}, time.Unix(5, 0)) {
		t.Fatalf("first active report should not count as change")
	}
	if !rec.LastChangedAt.Equal(time.Unix(5, 0)) {
		t.Fatalf("first report should stamp last changed, got %s", rec.LastChangedAt)
	}
	if !rec.Apply(Observation{SourceID: "kodi", Activity: ActivityIdle}, time.Unix(10, 0)) {
		t.Fatalf("expected change to idle")
	}
	if rec.Apply(Observation{SourceID: "kodi", Activity: ActivityIdle}, time.Unix(20, 0)) {
		t.Fatalf("repeated idle should not change")
	}
	if !rec.LastChangedAt.Equal(time.Unix(10, 0)) {
		t.Fatalf("repeat report moved last changed to %s", rec.LastChangedAt)
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	cases := map[string]struct {
		err  error
		want Outcome
	}{
		"nil":          {nil, OutcomeSuccess},
		"fatal":        {Fatal(base), OutcomeFatal},
		"wrappedFatal": {fmt.Errorf("hs100: %w", Fatal(base)), OutcomeFatal},
		"retryable":    {Retryable(base), OutcomeRetryable},
		"plain":        {base, OutcomeRetryable},
		"canceled":     {context.Canceled, OutcomeCanceled},
	}
	for name, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", name, tc.want, got)
		}
	}
}

func TestConfigurationError(t *testing.T) {
	err := ConfigErrorf("sink", "plug", "missing host")
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error")
	}
	if err.Error() != `config: sink "plug": missing host` {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if IsConfigurationError(base()) {
		t.Fatalf("plain error misclassified")
	}
}

func base() error { return errors.New("plain") }

func TestCommandJSON(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := json.Marshal(Command{Rail: "desk", Sink: "amp", State: StateOn, IssuedAt: issued})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"state":"on"`) {
		t.Fatalf("state not rendered as text: %s", data)
	}
	var decoded Command
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.State != StateOn || decoded.EventType() != CommandEventType {
		t.Fatalf("unexpected command: %+v", decoded)
	}

	var state State
	if err := state.UnmarshalText([]byte("dim")); err == nil {
		t.Fatalf("expected invalid state error")
	}
	var activity Activity
	if err := activity.UnmarshalText([]byte("active")); err != nil || activity != ActivityActive {
		t.Fatalf("unexpected activity: %v %v", activity, err)
	}
}
