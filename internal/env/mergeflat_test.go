package env

import (
	"sort"
	"testing"
)

func TestMergeFlatPerProcOverridesGlobal(t *testing.T) {
	out := MergeFlat([]string{"A=1", "B=2"}, []string{"B=override"})
	got := toMap(out)
	if got["A"] != "1" || got["B"] != "override" {
		t.Fatalf("got %v", got)
	}
}

func TestMergeFlatExpandsAcrossGlobalAndPerProc(t *testing.T) {
	out := MergeFlat([]string{"BASE=/srv"}, []string{"PATH_OUT=${BASE}/bin"})
	got := toMap(out)
	if got["PATH_OUT"] != "/srv/bin" {
		t.Fatalf("got %q", got["PATH_OUT"])
	}
}

func TestMergeFlatNeverIncludesOSEnviron(t *testing.T) {
	out := MergeFlat(nil, nil)
	if len(out) != 0 {
		t.Fatalf("expected empty merge, got %v", out)
	}
}

func toMap(kv []string) map[string]string {
	m := make(map[string]string, len(kv))
	for _, s := range kv {
		for i := 0; i < len(s); i++ {
			if s[i] == '=' {
				m[s[:i]] = s[i+1:]
				break
			}
		}
	}
	return m
}

func TestMergeFlatNoEmptyKeys(t *testing.T) {
	out := MergeFlat([]string{"=bad", "OK=1"}, nil)
	keys := make([]string, 0, len(out))
	for k := range toMap(out) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "OK" {
		t.Fatalf("got keys %v", keys)
	}
}
