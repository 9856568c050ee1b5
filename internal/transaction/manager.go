package transaction

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// Manager tracks server transactions so retransmitted requests are absorbed
// and ACKs can close the INVITE they belong to.
type Manager struct {
	transactions map[string]*ServerTransaction
	mutex        sync.Mutex
	sender       Sender
	clock        clock.Clock
}

// NewManager creates a new transaction manager
func NewManager(sender Sender, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		transactions: make(map[string]*ServerTransaction),
		sender:       sender,
		clock:        clk,
	}
}

// Begin returns the server transaction for req. isNew is false when req is
// a retransmission of a request already being processed; the last response
// is resent in that case and the caller must not process req again.
func (m *Manager) Begin(req *parser.SIPMessage) (st *ServerTransaction, isNew bool) {
	id := generateTransactionID(req)

	m.mutex.Lock()
	if existing, ok := m.transactions[id]; ok && existing.GetState() != StateTerminated {
		m.mutex.Unlock()
		_ = existing.Retransmit()
		return existing, false
	}
	st = NewServerTransaction(req, m.sender, m.clock.Now())
	m.transactions[id] = st
	m.mutex.Unlock()
	return st, true
}

// Transient returns a server transaction for req that is not tracked. It
// serves best-effort answers such as the 500 sent after a failure.
func (m *Manager) Transient(req *parser.SIPMessage) *ServerTransaction {
	return NewServerTransaction(req, m.sender, m.clock.Now())
}

// Terminate closes the INVITE transaction an ACK belongs to and reports
// whether one was found.
func (m *Manager) Terminate(ack *parser.SIPMessage) bool {
	id := generateTransactionID(ack)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	st, ok := m.transactions[id]
	if !ok {
		return false
	}
	st.Terminate()
	delete(m.transactions, id)
	return true
}

// FindTransaction finds an existing transaction for msg
func (m *Manager) FindTransaction(msg *parser.SIPMessage) *ServerTransaction {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.transactions[generateTransactionID(msg)]
}

// CleanupExpired removes terminated and expired transactions and returns how
// many were dropped.
func (m *Manager) CleanupExpired() int {
	now := m.clock.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id, st := range m.transactions {
		if st.IsExpired(now) {
			delete(m.transactions, id)
			removed++
		}
	}
	return removed
}

// GetTransactionCount returns the number of active transactions
func (m *Manager) GetTransactionCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.transactions)
}
