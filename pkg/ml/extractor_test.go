package ml

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"pointerguard/shared/types"
)

// syntheticSession generates a plausible pointer session: runs of moves with
// occasional clicks and scroll ticks.
func syntheticSession(identity, session string, seed int64, n int, speed float64) []types.RawEvent {
	rng := rand.New(rand.NewSource(seed))
	events := make([]types.RawEvent, 0, n)
	x, y, ts := 500.0, 400.0, 0.0
	for len(events) < n {
		ts += 0.008 + rng.Float64()*0.02
		switch r := rng.Float64(); {
		case r < 0.05:
			events = append(events, types.At(identity, session, ts, types.EventButtonDown, x, y))
			events[len(events)-1].Button = "left"
			ts += 0.08
			events = append(events, types.At(identity, session, ts, types.EventButtonUp, x, y))
			events[len(events)-1].Button = "left"
		case r < 0.08:
			events = append(events, types.RawEvent{IdentityID: identity, SessionID: session, Timestamp: ts, Kind: types.EventWheel, WheelDelta: -120})
		default:
			x += (rng.Float64() - 0.3) * speed
			y += (rng.Float64() - 0.5) * speed
			events = append(events, types.At(identity, session, ts, types.EventMove, x, y))
		}
	}
	return events
}

func assertFinite(t *testing.T, fv types.FeatureVector) {
	t.Helper()
	for name, v := range fv.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("feature %s = %v, want finite", name, v)
		}
	}
}

func TestExtract_ThreeEventScenario(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	click := types.At("alice", "s1", 0.2, types.EventButtonDown, 10, 10)
	click.Button = "left"
	events := []types.RawEvent{
		types.At("alice", "s1", 0.0, types.EventMove, 0, 0),
		types.At("alice", "s1", 0.1, types.EventMove, 10, 10),
		click,
	}

	fv, err := ex.Extract(events)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if fv.Features["speed_mean"] <= 0 {
		t.Errorf("speed_mean = %f, want > 0", fv.Features["speed_mean"])
	}
	if fv.Features["speed_max"] <= 0 {
		t.Errorf("speed_max = %f, want > 0", fv.Features["speed_max"])
	}
	if fv.Features["ratio_click"] <= 0 {
		t.Errorf("ratio_click = %f, want > 0", fv.Features["ratio_click"])
	}
	if fv.IdentityID != "alice" || fv.SessionID != "s1" || fv.Timestamp != 0.2 {
		t.Errorf("unexpected vector key %s/%s@%v", fv.IdentityID, fv.SessionID, fv.Timestamp)
	}
}

func TestExtract_NoNaNOrInf(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())

	zeroDT := []types.RawEvent{
		types.At("a", "s", 1, types.EventMove, 0, 0),
		types.At("a", "s", 1, types.EventMove, 5, 5),
		types.At("a", "s", 1, types.EventMove, 5, 5),
		types.At("a", "s", 1, types.EventMove, 9, 1),
	}
	wheelOnly := []types.RawEvent{
		{IdentityID: "a", SessionID: "w", Timestamp: 0, Kind: types.EventWheel, WheelDelta: 120},
		{IdentityID: "a", SessionID: "w", Timestamp: 0.1, Kind: types.EventWheel, WheelDelta: 120},
		{IdentityID: "a", SessionID: "w", Timestamp: 0.2, Kind: types.EventWheel, WheelDelta: -120},
	}
	outliers := []types.RawEvent{
		types.At("a", "o", 0, types.EventMove, -50, 10),
		types.At("a", "o", 0.1, types.EventMove, 1e9, 10),
		types.At("a", "o", 0.2, types.EventMove, math.NaN(), 10),
		types.At("a", "o", 0.3, types.EventMove, 10, 10),
	}
	cases := map[string][]types.RawEvent{
		"zero elapsed": zeroDT,
		"single event": {types.At("a", "x", 0, types.EventMove, 1, 1)},
		"wheel only":   wheelOnly,
		"outliers":     outliers,
		"synthetic":    syntheticSession("a", "syn", 7, 400, 30),
	}
	for name, events := range cases {
		t.Run(name, func(t *testing.T) {
			fv, err := ex.Extract(events)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			assertFinite(t, fv)
		})
	}
}

func TestExtract_SchemaStableAcrossIdentities(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	want := ex.FeatureNames()

	for i, identity := range []string{"alice", "bob", "carol"} {
		fv, err := ex.Extract(syntheticSession(identity, "s", int64(i), 150+i*100, float64(10+i*15)))
		if err != nil {
			t.Fatalf("Extract(%s) failed: %v", identity, err)
		}
		if got := sortedKeys(fv.Features); !reflect.DeepEqual(got, want) {
			t.Fatalf("identity %s: %d features, want %d in canonical order", identity, len(got), len(want))
		}
	}

	short, err := ex.Extract([]types.RawEvent{types.At("dave", "s", 0, types.EventMove, 1, 1)})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := sortedKeys(short.Features); !reflect.DeepEqual(got, want) {
		t.Fatalf("degenerate session schema differs from canonical order")
	}
}

func TestExtract_Deterministic(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	events := syntheticSession("alice", "s", 3, 300, 25)

	a, err := ex.Extract(events)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	b, _ := ex.Extract(events)
	if !reflect.DeepEqual(a.Features, b.Features) {
		t.Fatal("two extractions of the same events differ")
	}
}

func TestExtract_ShortSessionIsZero(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	fv, err := ex.Extract([]types.RawEvent{
		types.At("a", "s", 0, types.EventMove, 1, 1),
		types.At("a", "s", 1, types.EventMove, 50, 50),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	for name, v := range fv.Features {
		if v != 0 {
			t.Errorf("feature %s = %f, want 0", name, v)
		}
	}
}

func TestExtract_InvalidSession(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	cases := map[string][]types.RawEvent{
		"empty": nil,
		"mixed sessions": {
			types.At("a", "s1", 0, types.EventMove, 1, 1),
			types.At("a", "s2", 1, types.EventMove, 2, 2),
		},
		"mixed identities": {
			types.At("a", "s1", 0, types.EventMove, 1, 1),
			types.At("b", "s1", 1, types.EventMove, 2, 2),
		},
		"unsorted": {
			types.At("a", "s1", 2, types.EventMove, 1, 1),
			types.At("a", "s1", 1, types.EventMove, 2, 2),
		},
		"unknown kind": {
			{IdentityID: "a", SessionID: "s1", Kind: "hover"},
		},
	}
	for name, events := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ex.Extract(events)
			if !errors.Is(err, ErrInvalidSession) {
				t.Fatalf("err = %v, want ErrInvalidSession", err)
			}
			var ise *InvalidSessionError
			if !errors.As(err, &ise) || ise.Reason == "" {
				t.Fatalf("err = %v, want *InvalidSessionError with a reason", err)
			}
		})
	}
}

func TestBuildTrack_GapFill(t *testing.T) {
	events := []types.RawEvent{
		{IdentityID: "a", SessionID: "s", Timestamp: 0, Kind: types.EventWheel},
		types.At("a", "s", 1, types.EventMove, 10, 20),
		{IdentityID: "a", SessionID: "s", Timestamp: 2, Kind: types.EventWheel},
	}
	tr := buildTrack(events)
	for i := range events {
		if tr.x[i] != 10 || tr.y[i] != 20 {
			t.Errorf("event %d at (%f,%f), want (10,20)", i, tr.x[i], tr.y[i])
		}
	}
	if tr.distance[1] != 0 || tr.distance[2] != 0 {
		t.Errorf("gap-filled events should not travel")
	}
}

func button(kind types.EventKind, ts, x, y float64) types.RawEvent {
	ev := types.At("a", "s", ts, kind, x, y)
	ev.Button = "left"
	return ev
}

func TestClassifyActions(t *testing.T) {
	events := []types.RawEvent{
		types.At("a", "s", 0, types.EventMove, 0, 0),
		// double click
		button(types.EventButtonDown, 1, 0, 0),
		button(types.EventButtonUp, 1.1, 0, 0),
		button(types.EventButtonDown, 1.2, 0, 0),
		button(types.EventButtonUp, 1.3, 0, 0),
		types.At("a", "s", 20, types.EventMove, 10, 0),
		// drag
		button(types.EventButtonDown, 21, 10, 0),
		types.At("a", "s", 21.1, types.EventMove, 60, 0),
		button(types.EventButtonUp, 21.2, 60, 0),
	}
	tr := buildTrack(events)
	labels, groups := classifyActions(tr, 5, 5)

	want := []Action{
		ActionMove,
		ActionDoubleClick, ActionDoubleClick, ActionDoubleClick, ActionDoubleClick,
		ActionMove,
		ActionDrag, ActionDrag, ActionDrag,
	}
	if !reflect.DeepEqual(labels, want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2 (double click merged, drag)", len(groups))
	}

	ids, count := assignInstances(tr, labels, groups, 5)
	if count != 4 {
		t.Fatalf("instances = %d, want 4 (move, double click, move, drag)", count)
	}
	if ids[0] != 0 || ids[1] != 1 || ids[4] != 1 || ids[5] != 2 || ids[8] != 3 {
		t.Errorf("instance ids = %v", ids)
	}
}

func TestClassifyActions_SlowClicksStaySeparate(t *testing.T) {
	events := []types.RawEvent{
		button(types.EventButtonDown, 0, 0, 0),
		button(types.EventButtonUp, 0.1, 0, 0),
		button(types.EventButtonDown, 10, 0, 0),
		button(types.EventButtonUp, 10.1, 0, 0),
	}
	tr := buildTrack(events)
	labels, groups := classifyActions(tr, 5, 5)
	for i, l := range labels {
		if l != ActionClick {
			t.Errorf("label %d = %v, want click", i, l)
		}
	}
	_, count := assignInstances(tr, labels, groups, 5)
	if count != 2 {
		t.Errorf("instances = %d, want 2", count)
	}
}

func TestAssignInstances_MoveGapSplits(t *testing.T) {
	events := []types.RawEvent{
		types.At("a", "s", 0, types.EventMove, 0, 0),
		types.At("a", "s", 1, types.EventMove, 1, 0),
		types.At("a", "s", 9, types.EventMove, 2, 0),
		types.At("a", "s", 10, types.EventMove, 3, 0),
	}
	tr := buildTrack(events)
	labels, groups := classifyActions(tr, 5, 5)
	ids, count := assignInstances(tr, labels, groups, 5)
	if count != 2 {
		t.Fatalf("instances = %d, want 2", count)
	}
	if !reflect.DeepEqual(ids, []int{0, 0, 1, 1}) {
		t.Errorf("ids = %v, want [0 0 1 1]", ids)
	}
}

func TestWindows_LazyAndRestartable(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	events := syntheticSession("a", "s", 11, 100, 20)

	count := func() int {
		n := 0
		for fv, err := range ex.Windows(events, 40, 20) {
			if err != nil {
				t.Fatalf("window error: %v", err)
			}
			assertFinite(t, fv)
			n++
		}
		return n
	}
	first := count()
	if first != 4 {
		t.Fatalf("windows = %d, want 4", first)
	}
	if again := count(); again != first {
		t.Fatalf("second pass yielded %d windows, want %d", again, first)
	}

	for _, err := range ex.Windows(nil, 40, 20) {
		if !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("err = %v, want ErrInvalidSession", err)
		}
	}
}

func TestAlign(t *testing.T) {
	row, warn := Align(map[string]float64{"a": 1, "c": 3, "z": 9}, []string{"a", "b", "c"})
	if !reflect.DeepEqual(row, []float64{1, 0, 3}) {
		t.Errorf("row = %v, want [1 0 3]", row)
	}
	if !reflect.DeepEqual(warn.Missing, []string{"b"}) || !reflect.DeepEqual(warn.Extra, []string{"z"}) {
		t.Errorf("warning = %s", warn)
	}
	if _, w := Align(map[string]float64{"a": 1}, []string{"a"}); !w.Empty() {
		t.Errorf("lossless alignment reported %s", w)
	}
}

func TestWindows_TailCoveredWhenStrideLeavesRemainder(t *testing.T) {
	ex := NewExtractor(DefaultExtractorConfig())
	events := syntheticSession("a", "s", 11, 100, 20)

	var last types.FeatureVector
	n := 0
	for fv, err := range ex.Windows(events, 40, 25) {
		if err != nil {
			t.Fatalf("window error: %v", err)
		}
		last = fv
		n++
	}
	if n != 4 {
		t.Fatalf("windows = %d, want 4 (0, 25, 50 and a tail at 60)", n)
	}
	if want := ex.extract(events[60:]); !reflect.DeepEqual(last.Features, want.Features) {
		t.Error("tail window does not cover the last 40 events")
	}
}
