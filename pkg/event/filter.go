package event

// Filter selects events from a subscription. Zero-valued fields match
// everything; set fields are conjunctive.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []Kind              `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"tags,omitempty"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies the filter.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	for name, values := range f.Tags {
		got, ok := ev.Tag(name)
		if !ok || !contains(values, got) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
