package server

import "sync"

// SubscriptionIndex maps an account id to the sessions watching its
// presence. Empty entries are deleted.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	subs map[int64]map[SessionID]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		subs: make(map[int64]map[SessionID]struct{}),
	}
}

// Subscribe registers id as a watcher of account. Repeating it is harmless.
func (si *SubscriptionIndex) Subscribe(account int64, id SessionID) {
	si.mu.Lock()
	defer si.mu.Unlock()
	set, ok := si.subs[account]
	if !ok {
		set = make(map[SessionID]struct{})
		si.subs[account] = set
	}
	set[id] = struct{}{}
}

// Unsubscribe removes id from account's watchers. It returns whether
// anything was removed and never fails.
func (si *SubscriptionIndex) Unsubscribe(account int64, id SessionID) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.unsubscribeLocked(account, id)
}

func (si *SubscriptionIndex) unsubscribeLocked(account int64, id SessionID) bool {
	set, ok := si.subs[account]
	if !ok {
		return false
	}
	if _, member := set[id]; !member {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(si.subs, account)
	}
	return true
}

// SubscribersOf returns the sessions watching account.
func (si *SubscriptionIndex) SubscribersOf(account int64) []SessionID {
	si.mu.RLock()
	defer si.mu.RUnlock()
	set := si.subs[account]
	result := make([]SessionID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	return result
}

// RemoveSubscriber drops id from every account it watches and returns how
// many entries were removed.
func (si *SubscriptionIndex) RemoveSubscriber(id SessionID) int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.removeSubscriberLocked(id)
}

func (si *SubscriptionIndex) removeSubscriberLocked(id SessionID) int {
	removed := 0
	for account := range si.subs {
		if si.unsubscribeLocked(account, id) {
			removed++
		}
	}
	return removed
}

// Accounts returns how many accounts have at least one watcher.
func (si *SubscriptionIndex) Accounts() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.subs)
}
