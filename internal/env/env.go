// Package env builds child environments for spawned services. The daemon's
// own environment is deliberately not an implicit layer: whether it leaks
// into children is decided once, upstream, by the use_os_env config gate.
package env

import "strings"

// MergeFlat layers globals then perProc (later keys override earlier ones
// with the same name) and expands ${VAR} references against the merged
// result. Callers that want the OS environment included fold os.Environ()
// into globals themselves, so a child spawned with use_os_env=false never
// inherits it by accident.
func MergeFlat(globals, perProc []string) []string {
	m := make(map[string]string, len(globals)+len(perProc))
	layer(m, globals)
	layer(m, perProc)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func layer(m map[string]string, kvs []string) {
	for _, s := range kvs {
		if k, v, ok := strings.Cut(s, "="); ok && k != "" {
			m[k] = v
		}
	}
}

// expand substitutes ${KEY} occurrences from m, leaving unknown references
// untouched. Single-pass: a value referencing another ${...}-bearing value
// is not expanded recursively.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		if v, ok := m[s[i+2:i+2+j]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
