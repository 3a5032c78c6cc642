// Package pubsub implements the runtime's channel table: exact and pattern
// subscriptions keyed by (channel, filter), a pluggable engine vtable for
// fan-out, and priority-ordered history replay.
//
// Grounded on legacy/server.go's SubscriptionIndex/broadcast() and
// legacy/channels.go's validation style, generalized from the
// token/user/global NATS-subject domain to a generic channel/filter model.
package pubsub

// MatchPattern reports whether name matches pattern using the fixed glob
// syntax this runtime supports: '*' (any run of characters, including
// none), '?' (exactly one character), and '[set]' (one character from the
// bracketed set, supporting a leading '^' or '!' for negation and 'a-z'
// ranges). This mirrors shell glob syntax but deliberately excludes '**'
// since channel names have no path-segment structure for it to mean
// anything distinct from '*'.
func MatchPattern(pattern, name string) bool {
	return matchHere(pattern, name)
}

func matchHere(pat, s string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '*':
			// Collapse consecutive '*' and try every possible split point.
			for len(pat) > 1 && pat[1] == '*' {
				pat = pat[1:]
			}
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchHere(pat[1:], s[i:]) {
					return true
				}
			}
			return false

		case '?':
			if len(s) == 0 {
				return false
			}
			pat = pat[1:]
			s = s[1:]

		case '[':
			if len(s) == 0 {
				return false
			}
			end := indexClassEnd(pat)
			if end < 0 {
				// Malformed class: treat '[' literally.
				if s[0] != '[' {
					return false
				}
				pat = pat[1:]
				s = s[1:]
				continue
			}
			if !matchClass(pat[1:end], s[0]) {
				return false
			}
			pat = pat[end+1:]
			s = s[1:]

		default:
			if len(s) == 0 || s[0] != pat[0] {
				return false
			}
			pat = pat[1:]
			s = s[1:]
		}
	}
	return len(s) == 0
}

func indexClassEnd(pat string) int {
	for i := 1; i < len(pat); i++ {
		if pat[i] == ']' {
			return i
		}
	}
	return -1
}

func matchClass(class string, c byte) bool {
	negate := false
	if len(class) > 0 && (class[0] == '^' || class[0] == '!') {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}

// HasWildcards reports whether pattern contains any glob metacharacter,
// used to decide whether a subscription belongs in the exact-match table or
// the pattern list.
func HasWildcards(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
