package permission

import "sort"

// 内置能力。
const (
	Wildcard    = "*"
	Invoke      = "genai:invoke"
	Impersonate = "impersonate"
	AdminManage = "admin:manage"
	Analytics   = "analytics:read"
)

// Set 是计算得到的有效权限集合，不持久化。
// deny 最后生效，连通配符授予的权限也会被移除。
type Set struct {
	granted map[string]struct{}
	denied  map[string]struct{}
}

func newSet() *Set {
	return &Set{granted: map[string]struct{}{}, denied: map[string]struct{}{}}
}

func (s *Set) grant(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s.granted[p] = struct{}{}
		}
	}
}

func (s *Set) deny(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s.denied[p] = struct{}{}
		}
	}
}

// Has 判断集合是否包含某权限。
func (s *Set) Has(perm string) bool {
	if s == nil {
		return false
	}
	if _, denied := s.denied[perm]; denied {
		return false
	}
	if _, ok := s.granted[perm]; ok {
		return true
	}
	if _, denied := s.denied[Wildcard]; denied {
		return false
	}
	_, all := s.granted[Wildcard]
	return all
}

// List 返回排序后的显式权限。
func (s *Set) List() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.granted))
	for p := range s.granted {
		if _, denied := s.denied[p]; denied {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Denied 返回排序后的显式拒绝项。
func (s *Set) Denied() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.denied))
	for p := range s.denied {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
