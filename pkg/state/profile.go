package state

// UserProfile holds identity claims of the authenticated user.
type UserProfile map[string]any

// Subject returns the "sub" claim.
func (p UserProfile) Subject() string { return p.str("sub") }

// Email returns the "email" claim.
func (p UserProfile) Email() string { return p.str("email") }

// Name returns the "name" claim.
func (p UserProfile) Name() string { return p.str("name") }

// Picture returns the "picture" claim.
func (p UserProfile) Picture() string { return p.str("picture") }

// Claim returns a raw claim value.
func (p UserProfile) Claim(name string) (any, bool) {
	v, ok := p[name]
	return v, ok
}

func (p UserProfile) str(name string) string {
	if s, ok := p[name].(string); ok {
		return s
	}
	return ""
}

// Clone returns a deep copy. Nested maps and slices decoded from JSON are
// copied too, so holders of a snapshot cannot mutate the store.
func (p UserProfile) Clone() UserProfile {
	if p == nil {
		return nil
	}
	out := make(UserProfile, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case UserProfile:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
