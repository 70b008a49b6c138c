package run

import "strings"

// expandEnv implements spec.md §4.5's "$(NAME) expansion against the
// computed environment; $$ escapes a literal $". No library in the pack
// implements this exact two-token grammar (os.Expand's ${NAME}/$NAME
// syntax and shell-style $$ disagree with it), so it is a small
// hand-rolled scanner; see DESIGN.md.
func expandEnv(s string, env map[string]string) string {
	if !strings.ContainsRune(s, '$') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}

		if i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('$')
			i++
			continue
		}

		if i+1 < len(s) && s[i+1] == '(' {
			end := strings.IndexByte(s[i+2:], ')')
			if end >= 0 {
				name := s[i+2 : i+2+end]
				b.WriteString(env[name])
				i = i + 2 + end
				continue
			}
		}

		b.WriteByte(c)
	}

	return b.String()
}

func expandAll(items []string, env map[string]string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = expandEnv(s, env)
	}
	return out
}
