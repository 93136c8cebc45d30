package storage

// MatchPattern reports whether str matches the glob pattern using the
// store's KEYS/PSUBSCRIBE rules: '*' matches any run of bytes, '?' one
// byte, "[...]" a class with ranges and '^' negation, and '\' escapes the
// next byte.
func MatchPattern(pattern, str string) bool {
	p, s := 0, 0
	starP, starS := -1, 0

	for s < len(str) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starS = p, s
				p++
				continue
			case '?':
				p++
				s++
				continue
			case '[':
				if end, ok := matchClass(pattern, p, str[s]); ok {
					p = end
					s++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == str[s] {
					p += 2
					s++
					continue
				}
			default:
				if pattern[p] == str[s] {
					p++
					s++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		p, s = starP+1, starS
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches c against the class starting at pattern[start] ('[').
// It returns the index just past the closing ']' when c matches.
func matchClass(pattern string, start int, c byte) (int, bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		lo := pattern[i]
		if lo == '\\' && i+1 < len(pattern) {
			i++
			lo = pattern[i]
		}
		hi := lo
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi = pattern[i+2]
			i += 2
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if c >= lo && c <= hi {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		// unterminated class: treat '[' literally
		return start + 1, c == '['
	}
	if matched != negate {
		return i + 1, true
	}
	return 0, false
}
