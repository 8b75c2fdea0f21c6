package pool

import (
	"github.com/JakeFAU/scrapefleet/internal/dedup"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

type refusedClaim struct {
	workerID int
	item     scrape.Item
}

// claimLedger is the coordinator's view of the shared result set. Besides the
// set it remembers which worker holds each key and which workers were refused
// it, so a failed worker's items can move to a sibling instead of vanishing
// from the run.
type claimLedger struct {
	set     *dedup.ResultSet
	owner   map[string]int
	held    map[int][]string
	refused map[string][]refusedClaim
	adopted map[int][]scrape.Item
	failed  map[int]bool
}

func newClaimLedger() *claimLedger {
	return &claimLedger{
		set:     dedup.NewResultSet(),
		owner:   make(map[string]int),
		held:    make(map[int][]string),
		refused: make(map[string][]refusedClaim),
		adopted: make(map[int][]scrape.Item),
		failed:  make(map[int]bool),
	}
}

func (l *claimLedger) claim(req claimRequest) scrape.ClaimResult {
	verdict := l.set.Add(req.key, req.item, req.cutoff)
	switch verdict {
	case scrape.ClaimAccepted:
		l.owner[req.key] = req.workerID
		l.held[req.workerID] = append(l.held[req.workerID], req.key)
	case scrape.ClaimDuplicate:
		if l.owner[req.key] != req.workerID {
			l.refused[req.key] = append(l.refused[req.key], refusedClaim{workerID: req.workerID, item: req.item})
		}
	}
	return verdict
}

// release gives up everything workerID held. Each key goes to the first
// surviving worker that was refused it; keys nobody else found leave the set
// so later claims can fill the freed capacity.
func (l *claimLedger) release(workerID int) (handed, dropped int) {
	l.failed[workerID] = true
	for _, key := range l.held[workerID] {
		if owner, ok := l.owner[key]; !ok || owner != workerID {
			continue
		}
		if next, ok := l.nextClaimant(key); ok {
			l.owner[key] = next.workerID
			l.held[next.workerID] = append(l.held[next.workerID], key)
			l.adopted[next.workerID] = append(l.adopted[next.workerID], next.item)
			handed++
			continue
		}
		delete(l.owner, key)
		l.set.Remove(key)
		dropped++
	}
	delete(l.held, workerID)
	delete(l.adopted, workerID)
	return handed, dropped
}

func (l *claimLedger) nextClaimant(key string) (refusedClaim, bool) {
	queue := l.refused[key]
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if !l.failed[next.workerID] {
			l.refused[key] = queue
			return next, true
		}
	}
	delete(l.refused, key)
	return refusedClaim{}, false
}

// adoptedBy returns items workerID inherited from failed siblings.
func (l *claimLedger) adoptedBy(workerID int) []scrape.Item {
	return l.adopted[workerID]
}
