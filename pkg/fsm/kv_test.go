package fsm

import (
	"errors"
	"testing"
)

func TestKVStoreOperations(t *testing.T) {
	kv := NewKVStore()
	old := "v1"
	steps := []struct {
		name    string
		cmd     Command
		want    string
		wantErr error
	}{
		{name: "get missing", cmd: Get("k"), wantErr: ErrNotFound},
		{name: "cas create", cmd: CompareAndSet("k", nil, "v1"), want: "OK"},
		{name: "cas create again", cmd: CompareAndSet("k", nil, "v9"), want: "v1", wantErr: ErrCompareFail},
		{name: "get", cmd: Get("k"), want: "v1"},
		{name: "cas swap", cmd: CompareAndSet("k", &old, "v2"), want: "OK"},
		{name: "cas stale", cmd: CompareAndSet("k", &old, "v3"), want: "v2", wantErr: ErrCompareFail},
		{name: "set", cmd: Set("k", "v4"), want: "OK"},
		{name: "delete", cmd: Delete("k"), want: "OK"},
		{name: "delete missing", cmd: Delete("k"), wantErr: ErrNotFound},
	}
	for _, s := range steps {
		got, err := kv.Apply(s.cmd.Encode())
		if !errors.Is(err, s.wantErr) {
			t.Fatalf("%s: err = %v, want %v", s.name, err, s.wantErr)
		}
		if string(got) != s.want {
			t.Fatalf("%s: result = %q, want %q", s.name, got, s.want)
		}
	}
	if kv.Len() != 0 {
		t.Fatalf("store not empty: %d keys", kv.Len())
	}
	if kv.Applied() != uint64(len(steps)) {
		t.Fatalf("applied = %d, want %d", kv.Applied(), len(steps))
	}
}

func TestKVStoreRejectsBadCommands(t *testing.T) {
	kv := NewKVStore()
	for _, raw := range []string{"", "{", `{"op":"set"}`, `{"op":"explode","key":"k"}`} {
		if _, err := kv.Apply([]byte(raw)); !errors.Is(err, ErrBadCommand) {
			t.Errorf("Apply(%q) err = %v, want ErrBadCommand", raw, err)
		}
	}
	if kv.Len() != 0 {
		t.Fatalf("bad command changed the store")
	}
}
