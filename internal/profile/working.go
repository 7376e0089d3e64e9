package profile

import "time"

// WorkingSet is the run-local view of profiles. It starts from the stored
// profiles and accumulates tentative folds so that later records in a
// batch see earlier ones. Nothing in it is persisted directly.
type WorkingSet struct {
	profiles map[string]*Profile
}

// NewWorkingSet copies loaded into a new working set.
func NewWorkingSet(loaded map[string]*Profile) *WorkingSet {
	w := &WorkingSet{profiles: make(map[string]*Profile, len(loaded))}
	for k, p := range loaded {
		w.profiles[k] = p.Clone()
	}
	return w
}

// View returns the current profile for account, or nil if the account has
// never been seen. Callers must not modify the result.
func (w *WorkingSet) View(account string) *Profile {
	return w.profiles[account]
}

// Fold applies one accepted transaction to both counterparties.
func (w *WorkingSet) Fold(sender, receiver string, at time.Time, amount float64) {
	w.get(sender).ApplyOutbound(at, amount, receiver)
	w.get(receiver).ApplyInbound(at, amount, sender)
}

func (w *WorkingSet) get(account string) *Profile {
	p, ok := w.profiles[account]
	if !ok {
		p = New(account)
		w.profiles[account] = p
	}
	return p
}

// Folding is one transaction to fold into stored profiles.
type Folding struct {
	Sender   string
	Receiver string
	At       time.Time
	Amount   float64
}

// Accounts returns the distinct accounts touched by folds.
func Accounts(folds []Folding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range folds {
		for _, a := range []string{f.Sender, f.Receiver} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// Apply folds every entry in order onto copies of base and returns the
// updated profiles, one per touched account. Versions are carried over from
// base so the result can be passed straight to Store.CompareAndSwap.
func Apply(base map[string]*Profile, folds []Folding) []*Profile {
	w := NewWorkingSet(nil)
	for _, a := range Accounts(folds) {
		if p, ok := base[a]; ok {
			w.profiles[a] = p.Clone()
		} else {
			w.profiles[a] = New(a)
		}
	}
	for _, f := range folds {
		w.Fold(f.Sender, f.Receiver, f.At, f.Amount)
	}

	out := make([]*Profile, 0, len(w.profiles))
	for _, a := range Accounts(folds) {
		out = append(out, w.profiles[a])
	}
	return out
}
