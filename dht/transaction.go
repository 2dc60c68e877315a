package dht

import (
	"sync"

	"github.com/google/uuid"
)

// pendingQuery is a query awaiting its correlated response.
type pendingQuery struct {
	response chan krpcMessage
}

// transactionManager hands out fresh transaction ids and correlates
// responses back to the goroutine that issued the query. It uses a
// uuid-derived id instead of a counter so concurrent Clients sharing no
// state never collide.
type transactionManager struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
}

func newTransactionManager() *transactionManager {
	return &transactionManager{pending: make(map[string]*pendingQuery)}
}

// newID returns a short transaction id; KRPC places no length requirement
// on it beyond echoing it back verbatim.
func (m *transactionManager) newID() string {
	return uuid.NewString()[:8]
}

func (m *transactionManager) add(txID string) *pendingQuery {
	pq := &pendingQuery{response: make(chan krpcMessage, 1)}
	m.mu.Lock()
	m.pending[txID] = pq
	m.mu.Unlock()
	return pq
}

func (m *transactionManager) remove(txID string) {
	m.mu.Lock()
	delete(m.pending, txID)
	m.mu.Unlock()
}

// deliver routes an incoming response to its waiting query, if any is
// still pending. Reports whether a recipient was found.
func (m *transactionManager) deliver(txID string, msg krpcMessage) bool {
	m.mu.Lock()
	pq, ok := m.pending[txID]
	if ok {
		delete(m.pending, txID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pq.response <- msg:
	default:
	}
	return true
}
