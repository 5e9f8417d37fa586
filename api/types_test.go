package api_test

import (
	"encoding/json"
	"testing"

	"pkt.systems/spalloc/api"
)

func TestJobMachineInfoDecode(t *testing.T) {
	t.Parallel()

	payload := `{
		"width": 8, "height": 8,
		"connections": [[[0, 0], "board-0-0.example.com"], [[4, 8], "board-4-8.example.com"]],
		"machine_name": "spin5",
		"boards": [[0, 0, 0], [0, 0, 1], [0, 0, 2]]
	}`
	var info api.JobMachineInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !info.Allocated() {
		t.Fatal("payload with connections should report allocated")
	}
	if info.Width != 8 || info.Height != 8 || info.MachineName != "spin5" {
		t.Fatalf("decoded %+v", info)
	}
	host, ok := info.ConnectionFor(api.ChipCoord{X: 4, Y: 8})
	if !ok || host != "board-4-8.example.com" {
		t.Fatalf("ConnectionFor(4,8) = %q, %v", host, ok)
	}
	if _, ok := info.ConnectionFor(api.ChipCoord{X: 1, Y: 1}); ok {
		t.Fatal("unexpected connection for unlisted chip")
	}
	if len(info.Boards) != 3 || (info.Boards[2] != api.BoardCoord{X: 0, Y: 0, Z: 2}) {
		t.Fatalf("boards = %v", info.Boards)
	}
}

func TestJobMachineInfoDecodeUnallocated(t *testing.T) {
	t.Parallel()

	payload := `{"width": null, "height": null, "connections": null, "machine_name": null, "boards": null}`
	var info api.JobMachineInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Allocated() {
		t.Fatal("null payload should not report allocated")
	}
}

func TestJobStateInfoDecode(t *testing.T) {
	t.Parallel()

	var st api.JobStateInfo
	payload := `{"state": 4, "power": null, "keepalive": null, "reason": "evicted"}`
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != api.StateDestroyed {
		t.Fatalf("state = %v, want destroyed", st.State)
	}
	if st.Power != nil || st.Keepalive != nil {
		t.Fatalf("power/keepalive should be nil: %+v", st)
	}
	if st.Reason == nil || *st.Reason != "evicted" {
		t.Fatalf("reason = %v", st.Reason)
	}
}

func TestWhereIsDecode(t *testing.T) {
	t.Parallel()

	payload := `{
		"job_id": 42, "job_chip": [1, 1], "chip": [5, 9],
		"logical": [0, 1, 2], "physical": [1, 2, 17],
		"machine": "spin24", "board_chip": [1, 1]
	}`
	var w api.WhereIs
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.JobID == nil || *w.JobID != 42 {
		t.Fatalf("job_id = %v", w.JobID)
	}
	if w.Physical != (api.PhysicalCoord{Cabinet: 1, Frame: 2, Board: 17}) {
		t.Fatalf("physical = %+v", w.Physical)
	}
	if w.Machine != "spin24" {
		t.Fatalf("machine = %q", w.Machine)
	}
}

func TestConnectionEncode(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(api.Connection{Chip: api.ChipCoord{X: 4, Y: 8}, Hostname: "h"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[[4,8],"h"]` {
		t.Fatalf("encoded = %s", data)
	}
}

func TestJobStateString(t *testing.T) {
	t.Parallel()

	cases := map[api.JobState]string{
		api.StateUnknown:   "unknown",
		api.StateQueued:    "queued",
		api.StatePower:     "power",
		api.StateReady:     "ready",
		api.StateDestroyed: "destroyed",
		api.JobState(9):    "JobState(9)",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestJobStateTerminal(t *testing.T) {
	t.Parallel()

	for _, state := range []api.JobState{api.StateUnknown, api.StateDestroyed} {
		if !state.Terminal() {
			t.Errorf("%v should be terminal", state)
		}
	}
	for _, state := range []api.JobState{api.StateQueued, api.StatePower, api.StateReady} {
		if state.Terminal() {
			t.Errorf("%v should not be terminal", state)
		}
	}
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	v, err := api.ParseVersion("1.2.3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != (api.Version{Major: 1, Minor: 2, Patch: 3}) {
		t.Fatalf("v = %+v", v)
	}

	// Extra components beyond the third are ignored, short versions pad
	// with zeros.
	if v, err = api.ParseVersion("0.4.0.1"); err != nil || v != (api.Version{Minor: 4}) {
		t.Fatalf("0.4.0.1 → %+v, %v", v, err)
	}
	if v, err = api.ParseVersion("2"); err != nil || v != (api.Version{Major: 2}) {
		t.Fatalf("2 → %+v, %v", v, err)
	}

	if _, err = api.ParseVersion("banana"); err == nil {
		t.Fatal("expected error for non-numeric version")
	}
	if _, err = api.ParseVersion(""); err == nil {
		t.Fatal("expected error for empty version")
	}
}

func TestVersionIn(t *testing.T) {
	t.Parallel()

	lo := api.Version{Minor: 4}
	hi := api.Version{Major: 2}
	for s, want := range map[string]bool{
		"0.4.0":  true,
		"1.99.9": true,
		"0.3.9":  false,
		"2.0.0":  false,
	} {
		v, err := api.ParseVersion(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got := v.In(lo, hi); got != want {
			t.Errorf("%s In[0.4.0, 2.0.0) = %v, want %v", s, got, want)
		}
	}
}
