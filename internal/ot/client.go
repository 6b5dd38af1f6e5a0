package ot

import "fmt"

/*
LEARNING: JUPITER CLIENT DISCIPLINE

A client keeps at most one operation in flight. While waiting for the
server's ack, further local edits are composed into a single buffered
operation. On ack, the buffer (transformed against whatever the server
applied in the interim, which happens as broadcasts arrive) is
promoted to outstanding and sent. This keeps the server's submit path
simple: every incoming operation is parented off a revision the server
actually produced, never off another unacknowledged client op.
*/

// ClientState tracks one session's synchronization state against the
// server: the last acked revision plus the outstanding and buffered
// local operations. It is not safe for concurrent use; the session
// layer serializes access.
type ClientState struct {
	Revision    uint64 // last server revision incorporated locally
	outstanding *Operation
	pending     *Operation
}

// NewClientState starts a client at the given server revision.
func NewClientState(revision uint64) *ClientState {
	return &ClientState{Revision: revision}
}

// Outstanding returns the unacknowledged operation, or nil.
func (c *ClientState) Outstanding() *Operation { return c.outstanding }

// Pending returns the buffered local operation, or nil.
func (c *ClientState) Pending() *Operation { return c.pending }

// Submit records a local edit. If nothing is in flight the operation
// becomes outstanding and should be sent now (send == true); otherwise
// it is composed into the buffer and held until the next ack.
func (c *ClientState) Submit(op *Operation) (send bool, err error) {
	if c.outstanding == nil {
		c.outstanding = op
		return true, nil
	}
	if c.pending == nil {
		c.pending = op
		return false, nil
	}
	composed, err := Compose(c.pending, op)
	if err != nil {
		return false, fmt.Errorf("buffer local edit: %w", err)
	}
	c.pending = composed
	return false, nil
}

// AckOutstanding handles the server's ack of the in-flight operation.
// It returns the buffered operation to send next, or nil if the client
// is now fully synchronized.
func (c *ClientState) AckOutstanding(newRevision uint64) *Operation {
	c.Revision = newRevision
	c.outstanding = c.pending
	c.pending = nil
	return c.outstanding
}

// ApplyRemote incorporates a broadcast operation from another session.
// The local outstanding and pending operations are transformed against
// it so they stay valid against the new revision, and the returned
// operation is the remote edit transformed past the local ones, ready
// to apply to the local document. localFirst says whether this
// session's id orders before the remote author's id, which fixes the
// insert tie-break identically on every replica.
func (c *ClientState) ApplyRemote(remote *Operation, newRevision uint64, localFirst bool) (*Operation, error) {
	var err error
	if c.outstanding != nil {
		c.outstanding, remote, err = transformOriented(c.outstanding, remote, localFirst)
		if err != nil {
			return nil, fmt.Errorf("transform outstanding: %w", err)
		}
	}
	if c.pending != nil {
		c.pending, remote, err = transformOriented(c.pending, remote, localFirst)
		if err != nil {
			return nil, fmt.Errorf("transform pending: %w", err)
		}
	}
	c.Revision = newRevision
	return remote, nil
}

// transformOriented runs Transform with local priority when localFirst
// is set, remote priority otherwise.
func transformOriented(local, remote *Operation, localFirst bool) (*Operation, *Operation, error) {
	if localFirst {
		l, r, err := Transform(local, remote)
		return l, r, err
	}
	r, l, err := Transform(remote, local)
	return l, r, err
}
