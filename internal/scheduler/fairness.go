package scheduler

// interleaveByTenant walks the priority-sorted candidates in rounds:
// each round takes up to maxPerRound candidates per tenant (in first-seen
// tenant order) before any tenant gets more. Budgets only tighten as
// candidates are admitted, so a rejected candidate is dropped rather than
// retried. Within a tenant the original priority order is preserved;
// tenant-less candidates form their own group.
func interleaveByTenant(sorted []scored, maxPerRound int, tryAdmit func(scored) bool, done func() bool) {
	if maxPerRound <= 0 {
		maxPerRound = 1
	}

	type queue struct {
		tenant string
		items  []scored
	}
	var queues []*queue
	index := make(map[string]*queue)
	for _, s := range sorted {
		q, ok := index[s.cand.TenantID]
		if !ok {
			q = &queue{tenant: s.cand.TenantID}
			index[s.cand.TenantID] = q
			queues = append(queues, q)
		}
		q.items = append(q.items, s)
	}

	for !done() {
		progressed := false
		for _, q := range queues {
			taken := 0
			for len(q.items) > 0 && taken < maxPerRound && !done() {
				s := q.items[0]
				q.items = q.items[1:]
				if tryAdmit(s) {
					taken++
					progressed = true
				}
			}
		}
		if !progressed {
			return
		}
	}
}
