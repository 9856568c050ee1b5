package transaction

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// Timer constants as defined in RFC3261
const (
	TimerT1 = 500 * time.Millisecond // RTT estimate
	TimerT4 = 5 * time.Second        // Maximum duration a message will remain in the network
)

// ErrSuppressed is returned when a final response was withheld because the
// request it answers has already been settled elsewhere.
var ErrSuppressed = errors.New("final response suppressed")

// ServerTransaction is the local server side of one inbound request. It
// builds responses, remembers the last one for retransmissions and routes
// final responses through an optional gate.
type ServerTransaction struct {
	id      string
	request *parser.SIPMessage
	sender  Sender
	created time.Time
	toTag   string

	mutex        sync.Mutex
	state        TransactionState
	lastResponse *parser.SIPMessage
	gate         FinalGate
}

// NewServerTransaction creates a server transaction for req
func NewServerTransaction(req *parser.SIPMessage, sender Sender, now time.Time) *ServerTransaction {
	st := &ServerTransaction{
		id:      generateTransactionID(req),
		request: req,
		sender:  sender,
		created: now,
		toTag:   strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
	if req.GetMethod() == parser.MethodINVITE {
		st.state = StateProceeding
	} else {
		st.state = StateTrying
	}
	return st
}

// GetID returns the transaction ID
func (st *ServerTransaction) GetID() string {
	return st.id
}

// Request returns the request this transaction answers
func (st *ServerTransaction) Request() *parser.SIPMessage {
	return st.request
}

// GetState returns the current transaction state
func (st *ServerTransaction) GetState() TransactionState {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.state
}

// SetGate installs the gate final responses must pass
func (st *ServerTransaction) SetGate(gate FinalGate) {
	st.mutex.Lock()
	st.gate = gate
	st.mutex.Unlock()
}

// Respond builds a response to the request, lets decorate add headers and
// sends it. Locally generated responses above 100 carry a To tag.
func (st *ServerTransaction) Respond(statusCode int, reason string, decorate ...func(resp *parser.SIPMessage)) error {
	resp := st.buildResponse(statusCode, reason)
	for _, d := range decorate {
		d(resp)
	}
	return st.SendResponse(resp)
}

// SendResponse sends a response through the transaction
func (st *ServerTransaction) SendResponse(resp *parser.SIPMessage) error {
	if !resp.IsResponse() {
		return fmt.Errorf("cannot send request as response")
	}

	st.mutex.Lock()
	gate := st.gate
	terminal := st.state == StateCompleted || st.state == StateTerminated
	st.mutex.Unlock()

	statusCode := resp.GetStatusCode()
	if statusCode < 200 {
		if terminal {
			return nil
		}
		return st.transmit(resp)
	}
	if terminal {
		return ErrSuppressed
	}
	if gate == nil {
		return st.transmit(resp)
	}
	return gate.Final(func() error { return st.transmit(resp) })
}

func (st *ServerTransaction) transmit(resp *parser.SIPMessage) error {
	if st.sender == nil {
		return fmt.Errorf("no sender for transaction %s", st.id)
	}
	if err := st.sender.Send(resp); err != nil {
		return err
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.lastResponse = resp
	if resp.GetStatusCode() >= 200 {
		st.state = StateCompleted
	} else if st.state == StateTrying {
		st.state = StateProceeding
	}
	return nil
}

// Settle sends a final response without consulting the gate. It is used by
// the party that already won the gate, such as a CANCEL answering 487.
func (st *ServerTransaction) Settle(statusCode int, reason string, decorate ...func(resp *parser.SIPMessage)) error {
	resp := st.buildResponse(statusCode, reason)
	for _, d := range decorate {
		d(resp)
	}
	return st.transmit(resp)
}

// buildResponse reads the request headers under the message lock since a
// proxying task may be rewriting them concurrently.
func (st *ServerTransaction) buildResponse(statusCode int, reason string) *parser.SIPMessage {
	st.request.Lock()
	resp := parser.NewResponse(st.request, statusCode, reason)
	st.request.Unlock()

	if statusCode > parser.StatusTrying && resp.ToTag() == "" && resp.HasHeader(parser.HeaderTo) {
		resp.SetHeader(parser.HeaderTo, resp.GetHeader(parser.HeaderTo)+";tag="+st.toTag)
	}
	return resp
}

// Retransmit resends the last response, if any, for a retransmitted request
func (st *ServerTransaction) Retransmit() error {
	st.mutex.Lock()
	last := st.lastResponse
	st.mutex.Unlock()
	if last == nil || st.sender == nil {
		return nil
	}
	return st.sender.Send(last)
}

// Terminate moves the transaction to Terminated
func (st *ServerTransaction) Terminate() {
	st.mutex.Lock()
	st.state = StateTerminated
	st.mutex.Unlock()
}

// IsExpired reports whether the transaction outlived its lifetime at now
func (st *ServerTransaction) IsExpired(now time.Time) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.state == StateTerminated {
		return true
	}
	// 64*T1 covers both the INVITE and non-INVITE response windows
	expireTime := 64 * TimerT1
	if st.request.GetMethod() == parser.MethodINVITE && st.state != StateCompleted {
		expireTime = 3 * time.Minute
	}
	return now.Sub(st.created) > expireTime
}

// generateTransactionID derives the transaction key from the top Via branch,
// the method and the Call-ID. ACK shares the INVITE transaction.
func generateTransactionID(msg *parser.SIPMessage) string {
	branch := ""
	if via, err := parser.ParseVia(msg.GetHeader(parser.HeaderVia)); err == nil {
		branch = via.Branch()
	}
	method := msg.GetMethod()
	if method == "" {
		method = msg.CSeqMethod()
	}
	callID := msg.CallID()

	if strings.HasPrefix(branch, "z9hG4bK") {
		if method == parser.MethodACK {
			method = parser.MethodINVITE
		}
		return fmt.Sprintf("%s-%s-%s", branch, method, callID)
	}

	// Fallback for non-compliant branch parameters
	fromTag := parser.Tag(msg.GetHeader(parser.HeaderFrom))
	cseq := strings.Fields(msg.GetHeader(parser.HeaderCSeq))
	seq := ""
	if len(cseq) > 0 {
		seq = cseq[0]
	}
	if method == parser.MethodACK {
		method = parser.MethodINVITE
	}
	return fmt.Sprintf("%s-%s-%s-%s", callID, fromTag, seq, method)
}
